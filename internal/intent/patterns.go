package intent

import "regexp"

// The pattern set is a fixed, documented family. It is deliberately not
// exhaustive: detection feeds the state machine, which rejects anything the
// current state cannot accept.

// questionPatterns match text where the agent is asking the user something.
var questionPatterns = []*regexp.Regexp{
	// An interrogative at the end of a line, excluding URLs and inline code.
	regexp.MustCompile(`(?m)^[^` + "`" + `]*?[A-Za-z)'"][?]\s*$`),
	regexp.MustCompile(`(?i)\bwaiting for your (input|response|answer)\b`),
	regexp.MustCompile(`(?i)\b(would|should|shall|do) (you|i|we)\b.*\?`),
	regexp.MustCompile(`(?i)\bwhich (one|option|approach|database|version)\b`),
	regexp.MustCompile(`(?i)\blet me know (which|if|how|whether)\b`),
	regexp.MustCompile(`(?i)\bplease (choose|select|confirm|clarify)\b`),
}

// blockedPatterns match conditions where the agent cannot proceed without
// the user. They map to QUESTION so the task lands in AWAITING_INPUT.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpermission (denied|required|needed)\b`),
	regexp.MustCompile(`(?i)\baccess (denied|is denied)\b`),
	regexp.MustCompile(`(?i)\bi (need|require) (your )?(permission|approval|access)\b`),
	regexp.MustCompile(`(?i)\b(cannot|can't|unable to) (proceed|continue) without\b`),
	regexp.MustCompile(`(?i)\bblocked (on|by|waiting)\b`),
}

// completionPatterns match closing statements.
var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(all )?(done|complete|completed|finished)[.!]?\s*$`),
	regexp.MustCompile(`(?i)\bi('ve| have) (now )?(done|completed|finished|implemented|fixed)\b`),
	regexp.MustCompile(`(?i)\btask (is )?(complete|done|finished)\b`),
	regexp.MustCompile(`(?i)\ball (tests|checks) (pass|passing|green)\b`),
	regexp.MustCompile(`(?i)^#+\s*(summary|changes made|what (i|was) changed)\b`),
	regexp.MustCompile(`(?mi)^[-*]\s+.+\n[-*]\s+.+\n*\z`), // trailing bulleted change list
}
