package transcript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

func writeTranscript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
	return path
}

func TestReadEntriesBasic(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","message":{"role":"user","content":"fix the bug"},"timestamp":"2026-08-24T10:00:00Z"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"Looking at it now."},{"type":"tool_use","name":"Read"}]},"timestamp":"2026-08-24T10:00:05Z"}
{"type":"summary","summary":"session about a bug"}
`)

	entries, offset, err := ReadEntries(path, 0)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Actor != models.ActorUser || entries[0].Text != "fix the bug" {
		t.Fatalf("entry 0 = %+v", entries[0])
	}
	if entries[1].Actor != models.ActorAgent || entries[1].Text != "Looking at it now." {
		t.Fatalf("entry 1 = %+v", entries[1])
	}
	if entries[0].Timestamp.IsZero() {
		t.Fatal("timestamp not parsed")
	}

	info, _ := os.Stat(path)
	if offset != info.Size() {
		t.Fatalf("offset = %d, want %d", offset, info.Size())
	}
}

func TestReadEntriesPartialTrailingLine(t *testing.T) {
	full := `{"type":"user","message":{"role":"user","content":"one"},"timestamp":"2026-08-24T10:00:00Z"}` + "\n"
	partial := `{"type":"assistant","message":{"role":"assistant","con`
	path := writeTranscript(t, full+partial)

	entries, offset, err := ReadEntries(path, 0)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1 (partial line must wait)", len(entries))
	}
	if offset != int64(len(full)) {
		t.Fatalf("offset = %d, want %d", offset, len(full))
	}
}

func TestReadEntriesIncremental(t *testing.T) {
	line1 := `{"type":"user","message":{"role":"user","content":"one"}}` + "\n"
	line2 := `{"type":"user","message":{"role":"user","content":"two"}}` + "\n"
	path := writeTranscript(t, line1)

	_, offset, err := ReadEntries(path, 0)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := f.WriteString(line2); err != nil {
		t.Fatalf("append write: %v", err)
	}
	f.Close()

	entries, _, err := ReadEntries(path, offset)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "two" {
		t.Fatalf("incremental entries = %+v", entries)
	}
}

func TestReadEntriesMalformedLinesSkipped(t *testing.T) {
	path := writeTranscript(t, `not json at all
{"type":"user","message":{"role":"user","content":"still works"}}
{"type":"user","message":"not an object"}
`)

	entries, _, err := ReadEntries(path, 0)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "still works" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestReadEntriesOffsetPastEOFRestarts(t *testing.T) {
	path := writeTranscript(t, `{"type":"user","message":{"role":"user","content":"after rotation"}}
`)

	entries, _, err := ReadEntries(path, 1<<20)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != "after rotation" {
		t.Fatalf("entries = %+v", entries)
	}
}

func TestReadEntriesSidechainMarkedInternal(t *testing.T) {
	path := writeTranscript(t, `{"type":"assistant","isSidechain":true,"message":{"role":"assistant","content":[{"type":"text","text":"sub-agent chatter"}]}}
`)

	entries, _, err := ReadEntries(path, 0)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(entries) != 1 || !entries[0].IsInternal {
		t.Fatalf("entries = %+v", entries)
	}
}
