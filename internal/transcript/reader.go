// Package transcript reads agent transcript files (JSONL, append-only) and
// reconciles their entries against the timeline. The transcript is the
// ground truth the hook stream approximates: hooks can be dropped or
// reordered, the file cannot.
package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

// Entry is one reconcilable transcript record.
type Entry struct {
	Actor      models.Actor
	Text       string
	Timestamp  time.Time
	IsInternal bool
}

// rawEntry mirrors the transcript line shape. Unknown record types
// ("summary", "system") are skipped; unknown fields are ignored.
type rawEntry struct {
	Type        string          `json:"type"`
	Timestamp   string          `json:"timestamp"`
	IsSidechain bool            `json:"isSidechain"`
	Message     json.RawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ReadEntries reads complete lines from the transcript starting at offset
// and returns the parsed entries plus the offset of the first unconsumed
// byte. A partial trailing line (the agent is mid-write) is left for the
// next pass. A file shorter than offset means rotation or truncation; the
// read restarts from zero.
//
// Malformed lines are skipped, not fatal: one bad record must not wedge
// reconciliation forever.
func ReadEntries(path string, offset int64) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, offset, fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, fmt.Errorf("stat transcript: %w", err)
	}
	if offset > info.Size() {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, offset, fmt.Errorf("seek transcript: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, offset, fmt.Errorf("read transcript: %w", err)
	}

	// Only whole lines are consumed.
	consumed := bytes.LastIndexByte(data, '\n') + 1
	if consumed == 0 {
		return nil, offset, nil
	}

	var entries []Entry
	for _, line := range bytes.Split(data[:consumed], []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		entry, ok := parseLine(line)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, offset + int64(consumed), nil
}

func parseLine(line []byte) (Entry, bool) {
	var raw rawEntry
	if err := json.Unmarshal(line, &raw); err != nil {
		return Entry{}, false
	}

	var actor models.Actor
	switch raw.Type {
	case "user":
		actor = models.ActorUser
	case "assistant":
		actor = models.ActorAgent
	default:
		return Entry{}, false
	}

	var msg rawMessage
	if err := json.Unmarshal(raw.Message, &msg); err != nil {
		return Entry{}, false
	}
	text := flattenContent(msg.Content)
	if strings.TrimSpace(text) == "" {
		return Entry{}, false
	}

	var ts time.Time
	if raw.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, raw.Timestamp); err == nil {
			ts = parsed
		}
	}

	return Entry{
		Actor:      actor,
		Text:       text,
		Timestamp:  ts,
		IsInternal: raw.IsSidechain,
	}, true
}

// flattenContent extracts the human-readable text from a message content
// field, which is either a plain string or an array of typed blocks.
// Tool-use and tool-result blocks carry no conversational text and are
// dropped.
func flattenContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var blocks []contentBlock
	if err := json.Unmarshal(content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}
