package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// TmuxSink drives tmux through its CLI. Pane ids are tmux pane ids
// ("%12") or target specs ("session:window.pane").
type TmuxSink struct {
	binary string
}

var _ Sink = (*TmuxSink)(nil)

// NewTmuxSink creates a sink using the tmux binary on PATH.
func NewTmuxSink() *TmuxSink {
	return &TmuxSink{binary: "tmux"}
}

// SendText types text into the pane and presses Enter. The literal flag
// keeps tmux from interpreting key names inside the text.
func (s *TmuxSink) SendText(ctx context.Context, paneID, text string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if out, err := exec.CommandContext(ctx, s.binary, "send-keys", "-t", paneID, "-l", text).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys failed for pane %s: %w (%s)", paneID, err, strings.TrimSpace(string(out)))
	}
	if out, err := exec.CommandContext(ctx, s.binary, "send-keys", "-t", paneID, "Enter").CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send Enter failed for pane %s: %w (%s)", paneID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CapturePane returns the last lines of the pane's content.
func (s *TmuxSink) CapturePane(ctx context.Context, paneID string, lines int) (string, error) {
	out, err := exec.CommandContext(ctx, s.binary,
		"capture-pane", "-t", paneID, "-p", "-S", fmt.Sprintf("-%d", lines)).Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane failed for pane %s: %w", paneID, err)
	}
	return string(out), nil
}

// ListPanes enumerates all panes with their root process pids.
func (s *TmuxSink) ListPanes(ctx context.Context) ([]Pane, error) {
	out, err := exec.CommandContext(ctx, s.binary,
		"list-panes", "-a", "-F", "#{pane_id} #{pane_pid}").Output()
	if err != nil {
		return nil, fmt.Errorf("tmux list-panes failed: %w", err)
	}
	return parsePaneList(string(out)), nil
}

func parsePaneList(out string) []Pane {
	var panes []Pane
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		panes = append(panes, Pane{ID: fields[0], RootPID: pid})
	}
	return panes
}
