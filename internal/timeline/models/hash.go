package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// legacyHashLimit is how many normalized characters the pre-migration hash
// covered. Rows written before the full-text hash landed still carry it, so
// the reconciler consults both formats.
const legacyHashLimit = 500

// normalizeText collapses whitespace runs so that cosmetic reflowing of the
// same content (transcript vs. hook payload) hashes identically.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// ContentHash returns the deterministic dedup hash for a turn: a 16-hex-char
// prefix of SHA-256 over "actor:normalized-text".
func ContentHash(actor Actor, text string) string {
	sum := sha256.Sum256([]byte(string(actor) + ":" + normalizeText(text)))
	return hex.EncodeToString(sum[:])[:16]
}

// LegacyContentHash returns the pre-migration hash, which truncated the
// normalized input before hashing.
func LegacyContentHash(actor Actor, text string) string {
	normalized := normalizeText(text)
	if len(normalized) > legacyHashLimit {
		normalized = normalized[:legacyHashLimit]
	}
	sum := sha256.Sum256([]byte(string(actor) + ":" + normalized))
	return hex.EncodeToString(sum[:])[:16]
}
