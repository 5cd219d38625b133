// Package events fans plan state changes out to in-process subscribers and
// RabbitMQ, and receives remote plan control commands.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/paramsearch/internal/domain"
)

// Routing keys for state change events.
const (
	RoutingKeyPlanStarted    = "plan.started"
	RoutingKeyPlanResumed    = "plan.resumed"
	RoutingKeyPlanPaused     = "plan.paused"
	RoutingKeyPlanCompleted  = "plan.completed"
	RoutingKeyPlanStopped    = "plan.stopped"
	RoutingKeyJobStarted     = "job.started"
	RoutingKeyJobCompleted   = "job.completed"
	RoutingKeyJobFailed      = "job.failed"
	RoutingKeyJobCancelled   = "job.cancelled"
	RoutingKeyJobsRetried    = "job.retried"
	RoutingKeyFollowUpQueued = "job.follow_up_queued"
	RoutingKeyStateSaved     = "plan.state_saved"
)

// Routing keys for remote control commands.
const (
	RoutingKeyControlPrefix = "plan.control."
	RoutingKeyControlAll    = RoutingKeyControlPrefix + "*"
)

// Control actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionRetry  = "retry"
)

// Event types.
const (
	EventTypeStateChanged   = "plan.state_changed"
	EventTypeControlCommand = "plan.control"
)

var routingKeys = map[domain.StateChangeType]string{
	domain.ChangePlanStarted:    RoutingKeyPlanStarted,
	domain.ChangePlanResumed:    RoutingKeyPlanResumed,
	domain.ChangePlanPaused:     RoutingKeyPlanPaused,
	domain.ChangePlanCompleted:  RoutingKeyPlanCompleted,
	domain.ChangePlanStopped:    RoutingKeyPlanStopped,
	domain.ChangeJobStarted:     RoutingKeyJobStarted,
	domain.ChangeJobCompleted:   RoutingKeyJobCompleted,
	domain.ChangeJobFailed:      RoutingKeyJobFailed,
	domain.ChangeJobCancelled:   RoutingKeyJobCancelled,
	domain.ChangeJobsRetried:    RoutingKeyJobsRetried,
	domain.ChangeFollowUpQueued: RoutingKeyFollowUpQueued,
	domain.ChangeStateSaved:     RoutingKeyStateSaved,
}

// RoutingKeyFor returns the routing key of a change type.
func RoutingKeyFor(change domain.StateChangeType) string {
	if key, ok := routingKeys[change]; ok {
		return key
	}
	return "plan." + change.String()
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string, at time.Time) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: at,
		Source:    "paramsearch",
	}
}

// StateChangedEvent is published on every plan state change. The state is a
// summary without the job list.
type StateChangedEvent struct {
	BaseEvent
	PlanID     string                     `json:"plan_id"`
	ChangeType domain.StateChangeType     `json:"change_type"`
	State      *domain.PlanExecutionState `json:"state"`
	Job        *domain.Job                `json:"job,omitempty"`
}

// NewStateChangedEvent converts an engine notification into a wire event.
func NewStateChangedEvent(ev domain.StateChangedEvent) *StateChangedEvent {
	out := &StateChangedEvent{
		BaseEvent:  NewBaseEvent(EventTypeStateChanged, ev.Timestamp),
		ChangeType: ev.ChangeType,
		Job:        ev.Job,
	}
	if ev.State != nil {
		out.PlanID = ev.State.PlanID
		out.State = ev.State.Summary()
	}
	return out
}

// ControlCommand asks the engine to act on a plan.
type ControlCommand struct {
	BaseEvent
	Action          string   `json:"action"`
	PlanID          string   `json:"plan_id"`
	JobIDs          []string `json:"job_ids,omitempty"`
	ParallelWorkers int      `json:"parallel_workers,omitempty"`
}

// NewControlCommand creates a command for action on planID.
func NewControlCommand(action, planID string, at time.Time) *ControlCommand {
	return &ControlCommand{
		BaseEvent: NewBaseEvent(EventTypeControlCommand, at),
		Action:    action,
		PlanID:    planID,
	}
}

// RoutingKey returns the routing key the command is published under.
func (c *ControlCommand) RoutingKey() string {
	return RoutingKeyControlPrefix + c.Action
}

// ParseControlCommand decodes a control message. The action comes from the
// routing key when the body does not name one.
func ParseControlCommand(routingKey string, body []byte) (*ControlCommand, error) {
	cmd := &ControlCommand{}
	if err := json.Unmarshal(body, cmd); err != nil {
		return nil, fmt.Errorf("%w: control command: %v", domain.ErrInvalidInput, err)
	}
	if cmd.Action == "" {
		cmd.Action = strings.TrimPrefix(routingKey, RoutingKeyControlPrefix)
	}
	switch cmd.Action {
	case ActionStart, ActionStop, ActionPause, ActionResume, ActionRetry:
	default:
		return nil, fmt.Errorf("%w: unknown control action %q", domain.ErrInvalidInput, cmd.Action)
	}
	if cmd.PlanID == "" {
		return nil, fmt.Errorf("%w: control command without plan_id", domain.ErrInvalidInput)
	}
	return cmd, nil
}
