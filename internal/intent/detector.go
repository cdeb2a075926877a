// Package intent classifies turn text into conversation intents. The
// detector is a heuristic layer only; the state machine remains the
// correctness mechanism.
package intent

import (
	"regexp"
	"strings"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

// tailLines is how many trailing non-empty lines are considered the "tail".
// Agents put questions and completion statements at the end of their output,
// so the tail is matched first and at full confidence.
const tailLines = 15

// Detection is the result of classifying a piece of text.
type Detection struct {
	Intent     models.Intent
	Confidence float64
}

// Detector classifies text by actor and current task state.
type Detector struct {
	questionTools map[string]struct{}
}

// NewDetector creates a detector with the given question-tool registry.
// Tool names are matched case-sensitively; the registry is fixed at startup.
func NewDetector(questionTools []string) *Detector {
	tools := make(map[string]struct{}, len(questionTools))
	for _, name := range questionTools {
		tools[name] = struct{}{}
	}
	return &Detector{questionTools: tools}
}

// IsQuestionTool reports whether a tool name indicates the agent is asking
// the user a question.
func (d *Detector) IsQuestionTool(name string) bool {
	_, ok := d.questionTools[name]
	return ok
}

// Detect classifies text for the given actor and current state.
func (d *Detector) Detect(text string, actor models.Actor, state models.TaskState) Detection {
	if strings.TrimSpace(text) == "" {
		return Detection{Intent: models.IntentProgress, Confidence: 0.5}
	}

	if actor == models.ActorUser {
		if state == models.TaskStateAwaitingInput {
			return Detection{Intent: models.IntentAnswer, Confidence: 1.0}
		}
		return Detection{Intent: models.IntentCommand, Confidence: 1.0}
	}

	cleaned := stripFencedCode(text)
	tail := extractTail(cleaned, tailLines)

	if intent, ok := matchAgentPatterns(tail); ok {
		return Detection{Intent: intent, Confidence: 1.0}
	}
	if intent, ok := matchAgentPatterns(cleaned); ok {
		return Detection{Intent: intent, Confidence: 0.8}
	}

	return Detection{Intent: models.IntentProgress, Confidence: 0.5}
}

// matchAgentPatterns tries the pattern families in priority order:
// questions, then blocked/error conditions (surfaced as questions so the
// user gets pulled in), then completion closers.
func matchAgentPatterns(text string) (models.Intent, bool) {
	if matchesAny(questionPatterns, text) {
		return models.IntentQuestion, true
	}
	if matchesAny(blockedPatterns, text) {
		return models.IntentQuestion, true
	}
	if matchesAny(completionPatterns, text) {
		return models.IntentCompletion, true
	}
	return "", false
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// stripFencedCode removes ``` fenced blocks so code content (which is full
// of question marks and "error" strings) cannot trigger a match.
func stripFencedCode(text string) string {
	var out []string
	inFence := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if !inFence {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// extractTail returns the last n non-empty lines joined by newlines.
func extractTail(text string, n int) string {
	lines := strings.Split(text, "\n")
	var nonEmpty []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			nonEmpty = append(nonEmpty, line)
		}
	}
	if len(nonEmpty) > n {
		nonEmpty = nonEmpty[len(nonEmpty)-n:]
	}
	return strings.Join(nonEmpty, "\n")
}
