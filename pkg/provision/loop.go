package provision

import (
	"context"
	"time"

	"github.com/andrej220/goldenimage/pkg/clock"
	"github.com/andrej220/goldenimage/pkg/routine"
)

// DefaultBudget leaves margin under a typical three minute invocation
// ceiling for connection setup and returning the checkpoint.
const DefaultBudget = 120 * time.Second

// Phase is the scheduler's state. A run moves Idle -> Draining and ends in
// Exhausted or Completed; NoRoutine ends an invocation that had nothing to
// do.
type Phase string

const (
	PhaseIdle      Phase = "Idle"
	PhaseDraining  Phase = "Draining"
	PhaseExhausted Phase = "Exhausted"
	PhaseCompleted Phase = "Completed"
	PhaseNoRoutine Phase = "NoRoutine"
)

// Terminal reports whether no further transition follows.
func (p Phase) Terminal() bool {
	return p == PhaseExhausted || p == PhaseCompleted || p == PhaseNoRoutine
}

// StepFunc runs one popped step. A non-nil error stops the drain.
type StepFunc func(ctx context.Context, step routine.Step) error

// Scheduler drains a queue against a wall-clock budget. The budget is
// checked between steps only; a step that has started always finishes.
type Scheduler struct {
	budget time.Duration
	clock  clock.Clock
}

func NewScheduler(budget time.Duration, c clock.Clock) *Scheduler {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if c == nil {
		c = clock.Real()
	}
	return &Scheduler{budget: budget, clock: c}
}

func (s *Scheduler) Budget() time.Duration { return s.budget }

// DrainResult describes one drain.
type DrainResult struct {
	Phase      Phase
	Dispatched int
	Elapsed    time.Duration
}

// Drain pops and runs steps from st until the queue is empty, the budget is
// spent, or ctx ends. The first step always runs so every invocation makes
// progress. A step is popped before it runs and is never put back.
func (s *Scheduler) Drain(ctx context.Context, st *routine.State, run StepFunc) (DrainResult, error) {
	res := DrainResult{Phase: PhaseDraining}
	start := s.clock.Now()

	for st.Remaining() {
		if res.Dispatched > 0 && (s.clock.Since(start) >= s.budget || ctx.Err() != nil) {
			break
		}
		step, _ := st.Pop()
		res.Dispatched++
		if err := run(ctx, step); err != nil {
			res.Elapsed = s.clock.Since(start)
			res.Phase = settle(st)
			return res, err
		}
	}
	res.Elapsed = s.clock.Since(start)
	res.Phase = settle(st)
	return res, nil
}

func settle(st *routine.State) Phase {
	if st.Remaining() {
		return PhaseExhausted
	}
	return PhaseCompleted
}
