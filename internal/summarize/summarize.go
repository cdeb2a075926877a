// Package summarize generates AI summaries for turns and tasks on a
// post-commit worker. Summarization never blocks a hot path, never shares a
// transaction with it, and its failures are swallowed with a log.
package summarize

import (
	"context"
	"strings"
)

// Kind classifies a summarization request.
type Kind string

const (
	// KindTurn summarizes one turn's text.
	KindTurn Kind = "turn"
	// KindInstruction summarizes a task's command into a short instruction.
	KindInstruction Kind = "instruction"
	// KindTaskCompletion summarizes how a task ended. Completion
	// notifications wait for this so they carry the summary, not raw
	// transcript bytes.
	KindTaskCompletion Kind = "task_completion"
)

// Request is one unit of deferred summarization work, queued by the
// lifecycle manager and executed after commit.
type Request struct {
	Kind   Kind
	TurnID int64
	TaskID int64
	Text   string
}

// Client produces summaries. Implementations call an inference service;
// the core treats it as fully optional.
type Client interface {
	Summarize(ctx context.Context, kind Kind, text string) (string, error)
}

// TruncatingClient is the default no-inference client: it produces a
// one-line truncation so cards always have something to show.
type TruncatingClient struct {
	MaxLen int
}

// Summarize returns the first line of text, truncated.
func (c *TruncatingClient) Summarize(_ context.Context, _ Kind, text string) (string, error) {
	max := c.MaxLen
	if max <= 0 {
		max = 120
	}
	line := strings.TrimSpace(text)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if len(line) > max {
		line = line[:max-1] + "…"
	}
	return line, nil
}
