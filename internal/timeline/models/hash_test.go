package models

import "testing"

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash(ActorAgent, "I've done the refactor.")
	b := ContentHash(ActorAgent, "I've done the refactor.")
	if a != b {
		t.Fatalf("hash not deterministic: %s != %s", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16-char hash, got %d", len(a))
	}
}

func TestContentHashNormalizesWhitespace(t *testing.T) {
	a := ContentHash(ActorAgent, "done\n  with   task")
	b := ContentHash(ActorAgent, "done with task")
	if a != b {
		t.Errorf("expected whitespace-normalized inputs to match: %s != %s", a, b)
	}
}

func TestContentHashActorScoped(t *testing.T) {
	if ContentHash(ActorAgent, "ok") == ContentHash(ActorUser, "ok") {
		t.Error("same text from different actors must hash differently")
	}
}

func TestLegacyContentHashTruncates(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	text := string(long)
	if LegacyContentHash(ActorAgent, text) != LegacyContentHash(ActorAgent, text+"tail") {
		t.Error("legacy hash should ignore content past the truncation limit")
	}
	if ContentHash(ActorAgent, text) == ContentHash(ActorAgent, text+"tail") {
		t.Error("full hash must cover the entire text")
	}
}
