package statemachine

import (
	"testing"

	"github.com/samotage/claude-headspace/internal/timeline/models"
)

func TestValidTransitions(t *testing.T) {
	cases := []struct {
		from   models.TaskState
		actor  models.Actor
		intent models.Intent
		want   models.TaskState
	}{
		{models.TaskStateIdle, models.ActorUser, models.IntentCommand, models.TaskStateCommanded},
		{models.TaskStateCommanded, models.ActorAgent, models.IntentProgress, models.TaskStateProcessing},
		{models.TaskStateCommanded, models.ActorAgent, models.IntentQuestion, models.TaskStateAwaitingInput},
		{models.TaskStateCommanded, models.ActorAgent, models.IntentCompletion, models.TaskStateComplete},
		{models.TaskStateCommanded, models.ActorAgent, models.IntentEndOfTask, models.TaskStateComplete},
		{models.TaskStateProcessing, models.ActorAgent, models.IntentProgress, models.TaskStateProcessing},
		{models.TaskStateProcessing, models.ActorAgent, models.IntentQuestion, models.TaskStateAwaitingInput},
		{models.TaskStateProcessing, models.ActorAgent, models.IntentCompletion, models.TaskStateComplete},
		{models.TaskStateProcessing, models.ActorUser, models.IntentAnswer, models.TaskStateProcessing},
		{models.TaskStateAwaitingInput, models.ActorUser, models.IntentAnswer, models.TaskStateProcessing},
		{models.TaskStateAwaitingInput, models.ActorAgent, models.IntentQuestion, models.TaskStateAwaitingInput},
		{models.TaskStateAwaitingInput, models.ActorAgent, models.IntentProgress, models.TaskStateAwaitingInput},
		{models.TaskStateAwaitingInput, models.ActorAgent, models.IntentEndOfTask, models.TaskStateComplete},
	}

	for _, tc := range cases {
		res := Validate(tc.from, tc.actor, tc.intent)
		if !res.Valid {
			t.Errorf("Validate(%s, %s, %s): expected valid, got reason %q", tc.from, tc.actor, tc.intent, res.Reason)
			continue
		}
		if res.ToState != tc.want {
			t.Errorf("Validate(%s, %s, %s): expected %s, got %s", tc.from, tc.actor, tc.intent, tc.want, res.ToState)
		}
	}
}

func TestInvalidTransitions(t *testing.T) {
	cases := []struct {
		from   models.TaskState
		actor  models.Actor
		intent models.Intent
	}{
		// signals the lifecycle manager to open a new task
		{models.TaskStateAwaitingInput, models.ActorUser, models.IntentCommand},
		{models.TaskStateIdle, models.ActorAgent, models.IntentProgress},
		{models.TaskStateIdle, models.ActorUser, models.IntentAnswer},
		{models.TaskStateCommanded, models.ActorUser, models.IntentCommand},
		{models.TaskStateComplete, models.ActorUser, models.IntentCommand},
		{models.TaskStateComplete, models.ActorAgent, models.IntentProgress},
	}

	for _, tc := range cases {
		res := Validate(tc.from, tc.actor, tc.intent)
		if res.Valid {
			t.Errorf("Validate(%s, %s, %s): expected invalid, got %s", tc.from, tc.actor, tc.intent, res.ToState)
		}
		if res.Reason == "" {
			t.Errorf("Validate(%s, %s, %s): expected a reason", tc.from, tc.actor, tc.intent)
		}
	}
}

func TestValidateIsPure(t *testing.T) {
	first := Validate(models.TaskStateProcessing, models.ActorAgent, models.IntentQuestion)
	second := Validate(models.TaskStateProcessing, models.ActorAgent, models.IntentQuestion)
	if first != second {
		t.Error("Validate must depend only on its inputs")
	}
}
