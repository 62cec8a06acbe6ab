package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/andrej220/goldenimage/pkg/clock"
	"github.com/andrej220/goldenimage/pkg/content"
	"github.com/andrej220/goldenimage/pkg/executor"
	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/routine"
)

// DefaultStagingDir is where fetched files land when a step names no
// destination.
const DefaultStagingDir = `C:\wks_automation\`

const stderrTail = 5

// Observer is notified as work completes. rec is nil for a step that
// succeeded.
type Observer interface {
	StepDispatched(step routine.Step, rec *routine.ErrorRecord, took time.Duration)
	InvocationFinished(out *Outcome, err error)
}

type nopObserver struct{}

func (nopObserver) StepDispatched(routine.Step, *routine.ErrorRecord, time.Duration) {}
func (nopObserver) InvocationFinished(*Outcome, error) {}

// NopObserver ignores everything.
var NopObserver Observer = nopObserver{}

type DispatcherConfig struct {
	// Locator resolves download_s3 references. Nil fails those steps with
	// TransportFailure.
	Locator    *content.Locator
	Statuses   StatusTable
	StagingDir string
	Observer   Observer
	Clock      clock.Clock
}

// Dispatcher runs one step against an open session and records its
// failure, if any, into the run state.
type Dispatcher struct {
	locator  *content.Locator
	statuses StatusTable
	staging  string
	observer Observer
	clock    clock.Clock
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	d := &Dispatcher{
		locator:  cfg.Locator,
		statuses: cfg.Statuses,
		staging:  cfg.StagingDir,
		observer: cfg.Observer,
		clock:    cfg.Clock,
	}
	if d.statuses == nil {
		d.statuses = DefaultStatusTable()
	}
	if d.staging == "" {
		d.staging = DefaultStagingDir
	}
	if d.observer == nil {
		d.observer = NopObserver
	}
	if d.clock == nil {
		d.clock = clock.Real()
	}
	return d
}

func (d *Dispatcher) StagingDir() string { return d.staging }

// Dispatch executes step. Step failures are appended to st and Dispatch
// returns nil; the only error returned wraps ErrSessionLost, after the
// in-flight step has been recorded as TransportFailure.
//
// The step runs to completion even if ctx is cancelled meanwhile.
func (d *Dispatcher) Dispatch(ctx context.Context, sess executor.Session, step routine.Step, st *routine.State) error {
	logger := lg.FromContext(ctx).With(lg.String("kind", string(step.Kind)))
	ctx = context.WithoutCancel(ctx)
	start := d.clock.Now()

	rec, err := d.dispatch(ctx, sess, step)
	if rec != nil {
		st.Record(*rec)
		logger.Warn("step failed",
			lg.String("subject", rec.Subject),
			lg.Int("code", rec.Code),
			lg.String("category", string(rec.Category)))
	} else {
		logger.Debug("step succeeded", lg.String("subject", subject(step)))
	}
	d.observer.StepDispatched(step, rec, d.clock.Since(start))
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, sess executor.Session, step routine.Step) (*routine.ErrorRecord, error) {
	var (
		res executor.Result
		err error
	)
	switch step.Kind {
	case routine.KindDownloadS3:
		if d.locator == nil {
			return failure(step, routine.StatusNoResult, routine.CategoryTransportFailure, "no content store configured"), nil
		}
		url, lerr := d.locator.Resolve(ctx, step.Primary)
		if lerr != nil {
			var le *content.LocateError
			if errors.As(lerr, &le) {
				return failure(step, routine.StatusNoResult, le.Category, le.Err.Error()), nil
			}
			return failure(step, routine.StatusNoResult, routine.CategoryUnknown, lerr.Error()), nil
		}
		return d.fetch(ctx, sess, step, url)
	case routine.KindDownloadHTTP:
		return d.fetch(ctx, sess, step, step.Primary)
	case routine.KindRunCommand:
		res, err = sess.RunCommand(ctx, step.Primary)
	case routine.KindRunScript:
		res, err = sess.RunScript(ctx, step.Primary)
	default:
		// validated steps never get here
		return failure(step, routine.StatusNoResult, routine.CategoryInvalidInput, "unknown step kind"), nil
	}
	return d.settle(step, res, err)
}

func (d *Dispatcher) fetch(ctx context.Context, sess executor.Session, step routine.Step, url string) (*routine.ErrorRecord, error) {
	name := content.FileName(step.Primary)
	if name == "" {
		return failure(step, routine.StatusNoResult, routine.CategoryInvalidInput, "cannot derive a file name"), nil
	}
	dest := step.Destination
	if strings.TrimSpace(dest) == "" {
		dest = d.staging
	}

	res, err := sess.EnsureDir(ctx, dest)
	if err != nil || !res.OK() {
		return d.settle(step, res, err)
	}
	res, err = sess.Fetch(ctx, url, dest, name)
	return d.settle(step, res, err)
}

// settle turns a session result into an error record.
func (d *Dispatcher) settle(step routine.Step, res executor.Result, err error) (*routine.ErrorRecord, error) {
	if err != nil {
		rec := failure(step, routine.StatusNoResult, routine.CategoryTransportFailure, err.Error())
		return rec, fmt.Errorf("%w: %w", ErrSessionLost, err)
	}
	if res.OK() {
		return nil, nil
	}
	return failure(step, res.Status, d.statuses.Classify(res.Status), tail(res.Stderr)), nil
}

// failure builds the record for step. Hosts write stderr in their own code
// page, so text is forced to valid UTF-8 before it enters the run state.
func failure(step routine.Step, code int, cat routine.Category, msg string) *routine.ErrorRecord {
	return &routine.ErrorRecord{Subject: subject(step), Code: code, Category: cat, Message: validText(msg)}
}

func subject(step routine.Step) string { return validText(step.Primary) }

func validText(s string) string { return strings.ToValidUTF8(s, "\uFFFD") }

func tail(lines []string) string {
	if len(lines) > stderrTail {
		lines = lines[len(lines)-stderrTail:]
	}
	return validText(strings.TrimSpace(strings.Join(lines, "\n")))
}
