package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrej220/goldenimage/pkg/clock"
	"github.com/andrej220/goldenimage/pkg/consumer"
	"github.com/andrej220/goldenimage/pkg/lg"
	"github.com/andrej220/goldenimage/pkg/provision"
	"github.com/andrej220/goldenimage/pkg/runstore"
	dm "github.com/andrej220/goldenimage/pkg/shared-models"
	"github.com/andrej220/goldenimage/pkg/workerpool"
)

type invoker interface {
	Invoke(ctx context.Context, inv provision.Invocation) (*provision.Outcome, error)
}

type publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

type requestReader interface {
	Read(ctx context.Context) (dm.InvokeRequest, []byte, error)
}

// service answers invocations from HTTP and Kafka with the current
// executor. Reloads swap the executor; in-flight invocations finish on the
// one they started with.
type service struct {
	mu   sync.RWMutex
	exec invoker

	runs   runstore.Store
	clock  clock.Clock
	logger lg.Logger

	pool *workerpool.Pool[dm.InvokeRequest]
	// results is nil when Kafka is disabled; requests is nil unless
	// continuations are resubmitted by this service.
	results  publisher
	requests publisher
}

func newService(exec invoker, runs runstore.Store, logger lg.Logger) *service {
	if runs == nil {
		runs = runstore.Nop{}
	}
	if logger == nil {
		logger = lg.Discard
	}
	return &service{exec: exec, runs: runs, clock: clock.Real(), logger: logger}
}

func (s *service) executor() invoker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exec
}

func (s *service) setExecutor(exec invoker) {
	s.mu.Lock()
	s.exec = exec
	s.mu.Unlock()
}

// invoke runs one invocation and records its result. The error is the
// invocation's fatal error; the response describes it either way.
func (s *service) invoke(ctx context.Context, req dm.InvokeRequest) (dm.InvokeResponse, error) {
	if req.RunID == uuid.Nil {
		req.RunID = uuid.New()
	}
	logger := s.logger.With(lg.String("run_id", req.RunID.String()))
	ctx = lg.Attach(ctx, logger)

	var (
		out *provision.Outcome
		err error
	)
	inv, err := req.Invocation()
	if err == nil {
		out, err = s.executor().Invoke(ctx, inv)
	}

	rec := runstore.FromOutcome(req.RunID.String(), req.Target.Address, out, err, s.clock.Now())
	if serr := s.runs.Save(context.WithoutCancel(ctx), rec); serr != nil {
		logger.Warn("cannot save run record", lg.Err(serr))
	}
	return dm.NewInvokeResponse(req, out, err), err
}

// handle is the worker pool job for requests read from Kafka.
func (s *service) handle(ctx context.Context, req dm.InvokeRequest) error {
	resp, err := s.invoke(ctx, req)
	key := resp.RunID.String()
	if s.results != nil {
		if perr := s.results.Publish(context.WithoutCancel(ctx), key, resp); perr != nil {
			return errors.Join(err, perr)
		}
	}
	if next, ok := resp.Continuation(req.Target); ok && s.requests != nil {
		if perr := s.requests.Publish(context.WithoutCancel(ctx), key, next); perr != nil {
			return errors.Join(err, perr)
		}
		s.logger.Info("continuation resubmitted", lg.String("run_id", key))
	}
	return err
}

// consume feeds requests into the pool until ctx ends.
func (s *service) consume(ctx context.Context, r requestReader) error {
	for {
		req, _, err := r.Read(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, consumer.ErrUndecodable):
			s.logger.Warn("skipping message", lg.Err(err))
			continue
		case err != nil:
			s.logger.Error("kafka read failed", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		job := workerpool.Job[dm.InvokeRequest]{
			Payload: req,
			Fn:      s.handle,
			Ctx:     lg.Attach(ctx, s.logger),
		}
		if !s.pool.Submit(job) {
			return nil
		}
	}
}
