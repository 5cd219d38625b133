package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saltfish/paramsearch/internal/domain"
)

func TestRoutingKeyFor(t *testing.T) {
	assert.Equal(t, RoutingKeyPlanStarted, RoutingKeyFor(domain.ChangePlanStarted))
	assert.Equal(t, RoutingKeyJobCompleted, RoutingKeyFor(domain.ChangeJobCompleted))
	assert.Equal(t, "plan.something_new", RoutingKeyFor(domain.StateChangeType("something_new")))
}

func TestNewStateChangedEvent_StripsJobs(t *testing.T) {
	now := time.Now()
	state := domain.NewPlanExecutionState(&domain.Plan{ID: "p"}, 1, now)
	state.Jobs = []*domain.Job{{ID: "j"}}

	ev := NewStateChangedEvent(domain.StateChangedEvent{
		State:      state,
		ChangeType: domain.ChangeJobStarted,
		Job:        state.Jobs[0],
		Timestamp:  now,
	})

	assert.Equal(t, "p", ev.PlanID)
	assert.Equal(t, EventTypeStateChanged, ev.EventType)
	assert.NotEmpty(t, ev.EventID)
	assert.Nil(t, ev.State.Jobs)
	assert.Len(t, state.Jobs, 1)
	assert.Equal(t, "j", ev.Job.ID)
}

func TestParseControlCommand(t *testing.T) {
	cmd, err := ParseControlCommand("plan.control.retry", []byte(`{"plan_id":"p","job_ids":["a","b"]}`))
	require.NoError(t, err)
	assert.Equal(t, ActionRetry, cmd.Action)
	assert.Equal(t, []string{"a", "b"}, cmd.JobIDs)

	cmd, err = ParseControlCommand("anything", []byte(`{"action":"start","plan_id":"p","parallel_workers":8}`))
	require.NoError(t, err)
	assert.Equal(t, ActionStart, cmd.Action)
	assert.Equal(t, 8, cmd.ParallelWorkers)

	assert.Equal(t, "plan.control.start", cmd.RoutingKey())
}

func TestParseControlCommand_Invalid(t *testing.T) {
	tests := map[string]struct {
		key  string
		body string
	}{
		"bad json":       {"plan.control.stop", `{`},
		"unknown action": {"plan.control.explode", `{"plan_id":"p"}`},
		"missing plan":   {"plan.control.stop", `{}`},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseControlCommand(tc.key, []byte(tc.body))
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}
