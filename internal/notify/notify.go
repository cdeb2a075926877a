// Package notify abstracts the OS-notification sink. Delivery failures are
// logged and never affect the timeline; the transition that triggered the
// notification has already committed.
package notify

import (
	"context"
	"fmt"
	"os/exec"

	"go.uber.org/zap"

	"github.com/samotage/claude-headspace/internal/common/logger"
)

// Notification is one user-facing alert.
type Notification struct {
	Title    string
	Subtitle string
	Body     string
	URL      string
}

// Notifier delivers notifications to the user.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It is the default sink and
// the test double.
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a logging notifier.
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log.WithFields(zap.String("component", "notify"))}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, notification Notification) error {
	n.logger.Info("notification",
		zap.String("title", notification.Title),
		zap.String("subtitle", notification.Subtitle),
		zap.String("body", notification.Body))
	return nil
}

// CommandNotifier shells out to a notification command (notify-send,
// terminal-notifier) with title, subtitle, body, and optional URL appended
// as arguments.
type CommandNotifier struct {
	command string
	args    []string
	logger  *logger.Logger
}

// NewCommandNotifier creates a notifier that invokes command for each
// notification.
func NewCommandNotifier(command string, args []string, log *logger.Logger) *CommandNotifier {
	return &CommandNotifier{
		command: command,
		args:    args,
		logger:  log.WithFields(zap.String("component", "notify")),
	}
}

// Notify runs the configured command.
func (n *CommandNotifier) Notify(ctx context.Context, notification Notification) error {
	args := append([]string(nil), n.args...)
	args = append(args, notification.Title, notification.Subtitle, notification.Body)
	if notification.URL != "" {
		args = append(args, notification.URL)
	}

	cmd := exec.CommandContext(ctx, n.command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify command failed: %w (output: %s)", err, out)
	}
	return nil
}
