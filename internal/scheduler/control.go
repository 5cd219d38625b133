package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/saltfish/paramsearch/internal/domain"
	"github.com/saltfish/paramsearch/internal/events"
)

// HandleControl applies a remote control command. It is an
// events.EventHandler for the plan.control.* routing keys. Commands that
// cannot succeed on redelivery (unknown plan, plan already in the requested
// state, malformed command) are logged and acknowledged.
func (e *Engine) HandleControl(ctx context.Context, routingKey string, body []byte) error {
	cmd, err := events.ParseControlCommand(routingKey, body)
	if err != nil {
		e.logger.Warn("Dropping malformed control command",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
		return nil
	}
	logger := e.logger.With(
		zap.String("action", cmd.Action),
		zap.String("plan_id", cmd.PlanID),
		zap.String("event_id", cmd.EventID),
	)
	logger.Info("Received control command")

	switch cmd.Action {
	case events.ActionStart:
		_, err = e.Start(ctx, cmd.PlanID, StartOptions{
			ParallelWorkers: cmd.ParallelWorkers,
			ResumeIfPaused:  e.cfg.ResumeIfPaused,
		})
	case events.ActionStop:
		_, err = e.Stop(ctx, cmd.PlanID)
	case events.ActionPause:
		_, err = e.Pause(ctx, cmd.PlanID)
	case events.ActionResume:
		_, err = e.Resume(ctx, cmd.PlanID)
	case events.ActionRetry:
		_, err = e.RetryFailed(ctx, cmd.PlanID, cmd.JobIDs...)
	default:
		return fmt.Errorf("%w: unknown control action %q", domain.ErrInvalidInput, cmd.Action)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrPlanAlreadyActive),
		errors.Is(err, domain.ErrPlanNotActive),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrInvalidInput):
		logger.Warn("Control command ignored", zap.Error(err))
		return nil
	default:
		return fmt.Errorf("control %s %s: %w", cmd.Action, cmd.PlanID, err)
	}
}

// ControlHandler binds HandleControl to ctx for use as an events.EventHandler.
func (e *Engine) ControlHandler(ctx context.Context) events.EventHandler {
	return func(routingKey string, body []byte) error {
		return e.HandleControl(ctx, routingKey, body)
	}
}
