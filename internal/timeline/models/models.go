// Package models defines the persistent entities of the agent timeline:
// projects, agents, tasks, turns, and audit events.
package models

import "time"

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	// TaskStateIdle - no work has been commanded yet
	TaskStateIdle TaskState = "IDLE"
	// TaskStateCommanded - the user issued a command, agent has not responded
	TaskStateCommanded TaskState = "COMMANDED"
	// TaskStateProcessing - the agent is actively working
	TaskStateProcessing TaskState = "PROCESSING"
	// TaskStateAwaitingInput - the agent asked a question and is blocked on the user
	TaskStateAwaitingInput TaskState = "AWAITING_INPUT"
	// TaskStateComplete - terminal; the task is finished
	TaskStateComplete TaskState = "COMPLETE"
)

// IsTerminal reports whether the state permits no further transitions.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateComplete
}

// Actor identifies who authored a turn.
type Actor string

const (
	// ActorUser indicates a turn authored by the human user
	ActorUser Actor = "USER"
	// ActorAgent indicates a turn authored by the coding agent
	ActorAgent Actor = "AGENT"
)

// Intent classifies what a turn is doing in the conversation.
type Intent string

const (
	IntentCommand    Intent = "COMMAND"
	IntentAnswer     Intent = "ANSWER"
	IntentQuestion   Intent = "QUESTION"
	IntentProgress   Intent = "PROGRESS"
	IntentCompletion Intent = "COMPLETION"
	IntentEndOfTask  Intent = "END_OF_TASK"
)

// CompletesTask reports whether the intent closes out a task.
func (i Intent) CompletesTask() bool {
	return i == IntentCompletion || i == IntentEndOfTask
}

// TimestampSource records where a turn's timestamp came from.
type TimestampSource string

const (
	// TimestampSourceServer - stamped with server wall clock on creation
	TimestampSourceServer TimestampSource = "server"
	// TimestampSourceJSONL - corrected from the agent's transcript file
	TimestampSourceJSONL TimestampSource = "jsonl"
	// TimestampSourceUser - supplied by the user-facing respond path
	TimestampSourceUser TimestampSource = "user"
)

// Project represents a codebase under observation.
type Project struct {
	ID           string     `json:"id" db:"id"`
	Path         string     `json:"path" db:"path"` // unique absolute filesystem path
	Name         string     `json:"name" db:"name"`
	Slug         string     `json:"slug" db:"slug"` // URL-safe, unique
	Description  string     `json:"description,omitempty" db:"description"`
	UpstreamRepo string     `json:"upstream_repo,omitempty" db:"upstream_repo"`
	Paused       bool       `json:"paused" db:"paused"`
	PausedAt     *time.Time `json:"paused_at,omitempty" db:"paused_at"`
	PauseReason  string     `json:"pause_reason,omitempty" db:"pause_reason"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Agent represents one live (or historical) coding-agent process.
type Agent struct {
	ID             string     `json:"id" db:"id"`
	ProjectID      string     `json:"project_id" db:"project_id"`
	SessionID      string     `json:"session_id,omitempty" db:"session_id"` // externally-issued, optional
	PaneID         string     `json:"pane_id,omitempty" db:"pane_id"`       // terminal multiplexer pane
	TranscriptPath string     `json:"transcript_path,omitempty" db:"transcript_path"`
	StartedAt      time.Time  `json:"started_at" db:"started_at"`
	LastSeenAt     time.Time  `json:"last_seen_at" db:"last_seen_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"` // null while alive; monotone once set
	PriorityScore  float64    `json:"priority_score" db:"priority_score"`
	PriorityReason string     `json:"priority_reason,omitempty" db:"priority_reason"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// IsEnded reports whether the agent's session has ended.
func (a *Agent) IsEnded() bool {
	return a.EndedAt != nil
}

// Task represents one unit of user-requested work performed by an agent.
// At most one task per agent is ever in a non-COMPLETE state.
type Task struct {
	ID                 int64      `json:"id" db:"id"`
	AgentID            string     `json:"agent_id" db:"agent_id"`
	State              TaskState  `json:"state" db:"state"`
	CommandText        string     `json:"command_text,omitempty" db:"command_text"`
	OutputText         string     `json:"output_text,omitempty" db:"output_text"`
	InstructionSummary string     `json:"instruction_summary,omitempty" db:"instruction_summary"` // AI-generated, deferred
	CompletionSummary  string     `json:"completion_summary,omitempty" db:"completion_summary"`   // AI-generated, deferred
	StartedAt          time.Time  `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"` // set iff COMPLETE
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// IsComplete reports whether the task has reached its terminal state.
func (t *Task) IsComplete() bool {
	return t.State == TaskStateComplete
}

// QuestionPayload carries the structured form of an agent question.
type QuestionPayload struct {
	Text    string   `json:"text"`
	Options []string `json:"options,omitempty"`
	Source  string   `json:"source,omitempty"` // tool name or "notification"
}

// FileMeta describes a file the user attached to a turn.
type FileMeta struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Turn represents one atomic message within a task.
// Canonical ordering within a task is by (timestamp, id).
type Turn struct {
	ID              int64            `json:"id" db:"id"`
	TaskID          int64            `json:"task_id" db:"task_id"`
	Actor           Actor            `json:"actor" db:"actor"`
	Intent          Intent           `json:"intent" db:"intent"`
	Text            string           `json:"text" db:"text"`
	Timestamp       time.Time        `json:"timestamp" db:"timestamp"`
	TimestampSource TimestampSource  `json:"timestamp_source" db:"timestamp_source"`
	ContentHash     string           `json:"content_hash,omitempty" db:"content_hash"`
	AnswersTurnID   *int64           `json:"answers_turn_id,omitempty" db:"answers_turn_id"` // weak reference to the question turn
	Question        *QuestionPayload `json:"question,omitempty" db:"-"`
	File            *FileMeta        `json:"file,omitempty" db:"-"`
	IsInternal      bool             `json:"is_internal" db:"is_internal"` // sub-agent protocol chatter, hidden by default
	Summary         string           `json:"summary,omitempty" db:"summary"`
	SummaryAt       *time.Time       `json:"summary_at,omitempty" db:"summary_at"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
}

// Event is an append-only audit record of a state transition.
// Entity references are nullable so the audit trail survives deletion.
type Event struct {
	ID         int64     `json:"id" db:"id"`
	AgentID    *string   `json:"agent_id,omitempty" db:"agent_id"`
	TaskID     *int64    `json:"task_id,omitempty" db:"task_id"`
	TurnID     *int64    `json:"turn_id,omitempty" db:"turn_id"`
	FromState  TaskState `json:"from_state" db:"from_state"`
	ToState    TaskState `json:"to_state" db:"to_state"`
	Trigger    string    `json:"trigger" db:"trigger"` // e.g. "hook:user_prompt_submit", "reaper:claude_exited"
	Confidence float64   `json:"confidence" db:"confidence"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
