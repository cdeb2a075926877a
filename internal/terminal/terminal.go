// Package terminal wraps the terminal-multiplexer send/capture primitives
// and the host process-tree probe. The core treats both as opaque
// collaborators; everything here is replaceable in tests.
package terminal

import (
	"context"
	"time"
)

// Pane is one multiplexer pane an agent may be attached to.
type Pane struct {
	ID      string
	RootPID int
}

// Sink sends text to and captures output from terminal panes.
type Sink interface {
	// SendText delivers text to the pane as if typed, followed by Enter.
	SendText(ctx context.Context, paneID, text string, timeout time.Duration) error
	// CapturePane returns the last lines of the pane's visible content.
	CapturePane(ctx context.Context, paneID string, lines int) (string, error)
	// ListPanes enumerates the panes known to the multiplexer.
	ListPanes(ctx context.Context) ([]Pane, error)
}

// Process is one row of the host process table.
type Process struct {
	PID     int
	PPID    int
	Command string
}

// ProcessProbe snapshots the host process tree.
type ProcessProbe interface {
	Snapshot(ctx context.Context) ([]Process, error)
}
