package scheduler

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/saltfish/paramsearch/internal/domain"
)

// execution is the in-memory run of one plan.
type execution struct {
	plan    *domain.Plan
	opts    StartOptions
	history []*domain.Job

	state atomic.Pointer[domain.PlanExecutionState]
	gate  *gate

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	done   chan struct{} // closed once the workers exited for good

	// mu serializes state updates and saves of the plan.
	mu        sync.Mutex
	stopping  bool
	sinceSave int
	finished  atomic.Bool
}

func newExecution(ctx context.Context, cancel context.CancelCauseFunc, plan *domain.Plan, opts StartOptions, history []*domain.Job) *execution {
	return &execution{
		plan:    plan,
		opts:    opts,
		history: history,
		gate:    newGate(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// current returns the latest state snapshot. It must not be modified.
func (ex *execution) current() *domain.PlanExecutionState {
	return ex.state.Load()
}

// gate blocks workers while a plan is paused.
type gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{} // closed while not paused
}

func newGate() *gate {
	open := make(chan struct{})
	close(open)
	return &gate{open: open}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.open = make(chan struct{})
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.open)
	}
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// wait blocks until the gate is open or ctx is done.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
