// Package statemachine is the single source of truth for permissible task
// state transitions. It is a pure validator: no storage, no side effects.
package statemachine

import (
	"fmt"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

// Result describes the outcome of validating a proposed transition.
type Result struct {
	Valid   bool
	ToState models.TaskState
	Reason  string
}

type transitionKey struct {
	from   models.TaskState
	actor  models.Actor
	intent models.Intent
}

// transitions is the full table of valid moves. Anything absent is invalid.
var transitions = map[transitionKey]models.TaskState{
	{models.TaskStateIdle, models.ActorUser, models.IntentCommand}: models.TaskStateCommanded,

	{models.TaskStateCommanded, models.ActorAgent, models.IntentProgress}:   models.TaskStateProcessing,
	{models.TaskStateCommanded, models.ActorAgent, models.IntentQuestion}:   models.TaskStateAwaitingInput,
	{models.TaskStateCommanded, models.ActorAgent, models.IntentCompletion}: models.TaskStateComplete,
	{models.TaskStateCommanded, models.ActorAgent, models.IntentEndOfTask}:  models.TaskStateComplete,

	{models.TaskStateProcessing, models.ActorAgent, models.IntentProgress}:   models.TaskStateProcessing,
	{models.TaskStateProcessing, models.ActorAgent, models.IntentQuestion}:   models.TaskStateAwaitingInput,
	{models.TaskStateProcessing, models.ActorAgent, models.IntentCompletion}: models.TaskStateComplete,
	{models.TaskStateProcessing, models.ActorAgent, models.IntentEndOfTask}:  models.TaskStateComplete,
	{models.TaskStateProcessing, models.ActorUser, models.IntentAnswer}:      models.TaskStateProcessing,

	{models.TaskStateAwaitingInput, models.ActorUser, models.IntentAnswer}:      models.TaskStateProcessing,
	{models.TaskStateAwaitingInput, models.ActorAgent, models.IntentQuestion}:   models.TaskStateAwaitingInput,
	{models.TaskStateAwaitingInput, models.ActorAgent, models.IntentProgress}:   models.TaskStateAwaitingInput,
	{models.TaskStateAwaitingInput, models.ActorAgent, models.IntentCompletion}: models.TaskStateComplete,
	{models.TaskStateAwaitingInput, models.ActorAgent, models.IntentEndOfTask}:  models.TaskStateComplete,
}

// CanReach reports whether any row of the table moves from → to. It backs
// the strict direct-state update path, which receives a target state rather
// than an (actor, intent) pair.
func CanReach(from, to models.TaskState) bool {
	if from == models.TaskStateComplete {
		return false
	}
	for key, next := range transitions {
		if key.from == from && next == to {
			return true
		}
	}
	return false
}

// Validate maps (from, actor, intent) to the next state. The result depends
// only on the triple; there is no hidden state.
//
// A rejected (AWAITING_INPUT, USER, COMMAND) signals the caller to open a new
// task rather than mutate the current one; that routing lives in the
// lifecycle manager, not here.
func Validate(from models.TaskState, actor models.Actor, intent models.Intent) Result {
	if from == models.TaskStateComplete {
		return Result{
			Valid:  false,
			Reason: "COMPLETE is terminal",
		}
	}

	to, ok := transitions[transitionKey{from, actor, intent}]
	if !ok {
		return Result{
			Valid:  false,
			Reason: fmt.Sprintf("no transition from %s for %s/%s", from, actor, intent),
		}
	}
	return Result{Valid: true, ToState: to}
}
