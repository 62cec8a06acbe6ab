// Package provision runs provisioning routines against build hosts in
// bounded invocations. An invocation that runs out of time returns a
// checkpoint; feeding the checkpoint to the next invocation continues the
// run where it stopped.
package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/goldenimage/pkg/checkpoint"
	"github.com/andrej220/goldenimage/pkg/clock"
	"github.com/andrej220/goldenimage/pkg/executor"
	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/routine"
)

var (
	ErrSessionOpen       = errors.New("cannot open remote session")
	ErrSessionLost       = errors.New("remote session lost")
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")
	ErrInvalidRoutine    = errors.New("invalid routine")
	ErrHostBusy          = errors.New("host is busy with another run")
)

// Invocation is one call into the executor. Checkpoint, when it holds
// pending steps, takes precedence over Routine.
type Invocation struct {
	RunID      uuid.UUID
	Target     executor.Target
	Routine    []routine.Step
	Checkpoint []byte
}

// Outcome of an invocation. When Remaining is set, Checkpoint must be
// passed to the next invocation of the same run.
type Outcome struct {
	RunID      uuid.UUID     `json:"runId"`
	Phase      Phase         `json:"phase"`
	Remaining  bool          `json:"remaining"`
	NoRoutine  bool          `json:"noRoutine,omitempty"`
	State      routine.State `json:"state"`
	Checkpoint []byte        `json:"checkpoint,omitempty"`
	Codec      string        `json:"codec,omitempty"`
	Dispatched int           `json:"dispatched"`
	Elapsed    time.Duration `json:"elapsed"`
}

func (o *Outcome) Errors() []routine.ErrorRecord { return o.State.Errors }

func (o *Outcome) Summary() routine.Summary {
	if o.NoRoutine {
		return routine.NoRoutineSummary()
	}
	return routine.Summarize(o.State.Errors)
}

type Config struct {
	Budget time.Duration
	Codec  checkpoint.Codec
	Clock  clock.Clock
	// Locks is optional; nil disables the per-host guard.
	Locks    *HostLocks
	Observer Observer
	Logger   lg.Logger
}

// Executor opens one session per invocation and drains the run's queue
// through the dispatcher.
type Executor struct {
	dialer     executor.Dialer
	dispatcher *Dispatcher
	scheduler  *Scheduler
	codec      checkpoint.Codec
	locks      *HostLocks
	observer   Observer
	logger     lg.Logger
}

func NewExecutor(dialer executor.Dialer, dispatcher *Dispatcher, cfg Config) *Executor {
	e := &Executor{
		dialer:     dialer,
		dispatcher: dispatcher,
		scheduler:  NewScheduler(cfg.Budget, cfg.Clock),
		codec:      cfg.Codec,
		locks:      cfg.Locks,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
	}
	if e.codec == nil {
		e.codec = checkpoint.JSON{}
	}
	if e.observer == nil {
		e.observer = NopObserver
	}
	if e.logger == nil {
		e.logger = lg.Discard
	}
	return e
}

func (e *Executor) Codec() checkpoint.Codec { return e.codec }

// Invoke runs one bounded slice of a run.
//
// Fatal errors: ErrCorruptCheckpoint and ErrInvalidRoutine before anything
// happens, ErrHostBusy, ErrSessionOpen when no step could be attempted, and
// ErrSessionLost when the session dropped mid-run. With ErrSessionLost the
// returned Outcome is still usable: its checkpoint holds the steps that
// were not started.
func (e *Executor) Invoke(ctx context.Context, inv Invocation) (out *Outcome, err error) {
	if inv.RunID == uuid.Nil {
		inv.RunID = uuid.New()
	}
	logger := e.logger.With(lg.String("run_id", inv.RunID.String()), lg.String("host", inv.Target.Address))
	ctx = lg.Attach(ctx, logger)
	defer func() { e.observer.InvocationFinished(out, err) }()

	st, err := e.load(inv)
	if err != nil {
		logger.Error("cannot load run state", lg.Err(err))
		return nil, err
	}
	if st == nil {
		logger.Info("no routine supplied, nothing to do")
		return &Outcome{
			RunID:     inv.RunID,
			Phase:     PhaseNoRoutine,
			NoRoutine: true,
			State:     routine.State{Queue: []routine.Step{}, Errors: []routine.ErrorRecord{routine.NoRoutineRecord()}},
		}, nil
	}

	if e.locks != nil {
		release, err := e.locks.Acquire(inv.Target.Address, inv.RunID)
		if err != nil {
			logger.Warn("host busy", lg.Err(err))
			return nil, err
		}
		defer release()
	}

	sess, err := e.dialer.Open(ctx, inv.Target)
	if err != nil {
		logger.Error("cannot open session", lg.Err(err))
		return nil, fmt.Errorf("%w: %w", ErrSessionOpen, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Debug("session close", lg.Err(cerr))
		}
	}()

	if err := e.prepare(ctx, sess); err != nil {
		return e.finish(inv.RunID, st, DrainResult{Phase: settle(st)}, err)
	}

	logger.Info("draining", lg.Int("pending", len(st.Queue)), lg.Duration("budget", e.scheduler.Budget()))
	res, derr := e.scheduler.Drain(ctx, st, func(ctx context.Context, step routine.Step) error {
		return e.dispatcher.Dispatch(ctx, sess, step, st)
	})
	return e.finish(inv.RunID, st, res, derr)
}

// load picks the run state: a checkpoint with pending steps, else a new
// routine, else nil for "nothing to do".
func (e *Executor) load(inv Invocation) (*routine.State, error) {
	if len(inv.Checkpoint) > 0 {
		cp, err := e.codec.Decode(inv.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptCheckpoint, err)
		}
		if cp.Remaining() {
			return &cp, nil
		}
	}
	if len(inv.Routine) > 0 {
		for i, s := range inv.Routine {
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRoutine, &routine.StepError{Index: i, Err: err})
			}
		}
		return routine.NewState(inv.Routine), nil
	}
	return nil, nil
}

// prepare creates the staging directory. A nonzero status is only logged;
// fetch steps create their own destinations anyway.
func (e *Executor) prepare(ctx context.Context, sess executor.Session) error {
	logger := lg.FromContext(ctx)
	dir := e.dispatcher.StagingDir()
	res, err := sess.EnsureDir(context.WithoutCancel(ctx), dir)
	if err != nil {
		logger.Error("session lost while creating staging directory", lg.Err(err))
		return fmt.Errorf("%w: %w", ErrSessionLost, err)
	}
	if !res.OK() {
		logger.Warn("staging directory not created", lg.String("dir", dir), lg.Int("status", res.Status))
	}
	return nil
}

func (e *Executor) finish(id uuid.UUID, st *routine.State, res DrainResult, runErr error) (*Outcome, error) {
	logger := e.logger.With(lg.String("run_id", id.String()))
	out := &Outcome{
		RunID:      id,
		Phase:      res.Phase,
		Remaining:  st.Remaining(),
		State:      st.Clone(),
		Dispatched: res.Dispatched,
		Elapsed:    res.Elapsed,
	}
	if out.Remaining {
		payload, err := e.codec.Encode(out.State)
		if err != nil {
			// only reachable for a state this process built itself
			logger.Error("cannot encode checkpoint", lg.Err(err))
			return nil, errors.Join(runErr, fmt.Errorf("encode checkpoint: %w", err))
		}
		out.Checkpoint = payload
		out.Codec = e.codec.Name()
	}

	fields := []lg.Field{
		lg.String("phase", string(out.Phase)),
		lg.Int("dispatched", out.Dispatched),
		lg.Int("pending", len(out.State.Queue)),
		lg.Int("errors", len(out.State.Errors)),
		lg.Duration("elapsed", out.Elapsed),
	}
	if runErr != nil {
		logger.Error("invocation failed", append(fields, lg.Err(runErr))...)
		return out, runErr
	}
	logger.Info("invocation finished", fields...)
	return out, nil
}
