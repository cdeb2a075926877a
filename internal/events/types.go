// Package events provides the subject taxonomy and bus wiring for the
// headspace event system. The bus mirrors the in-process broadcaster onto
// NATS subjects so external consumers (dashboards, automations) can follow
// agent activity without holding a websocket to the daemon.
package events

// Event types for agent sessions
const (
	SessionCreated = "session.created"
	SessionEnded   = "session.ended"
)

// Event types for tasks
const (
	TaskStateChanged = "task.state_changed"
)

// Event types for turns
const (
	TurnCreated = "turn.created"
	TurnUpdated = "turn.updated"
)

// Event types for card projections
const (
	CardRefresh = "card.refresh"
)

// Command types carried inbound to the daemon. External tools publish
// these; the bridge consumes them through a queue group.
const (
	CommandRespond = "command.respond"
)

// subjectPrefix roots every subject published by the daemon.
const subjectPrefix = "headspace"

// BuildAgentSubject creates the subject for one event type scoped to an
// agent: headspace.<event_type>.<agent_id>.
func BuildAgentSubject(eventType, agentID string) string {
	return subjectPrefix + "." + eventType + "." + agentID
}

// BuildAgentWildcardSubject creates a subscription pattern matching one
// event type across all agents.
func BuildAgentWildcardSubject(eventType string) string {
	return subjectPrefix + "." + eventType + ".*"
}

// BuildFirehoseSubject creates a subscription pattern matching every event
// the daemon publishes.
func BuildFirehoseSubject() string {
	return subjectPrefix + ".>"
}

// BuildCommandSubject creates the subject for one inbound command type:
// headspace.<command>.
func BuildCommandSubject(command string) string {
	return subjectPrefix + "." + command
}
