package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/andrej220/goldenimage/pkg/lg"
)

const TotalMaxWorkers = 10

type JobFunc[T any] func(ctx context.Context, payload T) error

// Job runs once. Failed jobs are logged, never retried: an invocation that
// fails is reported back to whoever submitted it.
type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	Ctx         context.Context
	CleanupFunc func()
}

// Pool runs at most maxWorkers jobs at a time.
type Pool[T any] struct {
	Jobs          chan Job[T]
	activeWorkers int32
	wg            sync.WaitGroup
	quit          chan struct{}
	dispatcherOut chan struct{}
	stopOnce      sync.Once
	slots         chan struct{}
	maxWorkers    int
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	pool := &Pool[T]{
		Jobs:          make(chan Job[T], maxWorkers),
		quit:          make(chan struct{}),
		dispatcherOut: make(chan struct{}),
		slots:         make(chan struct{}, maxWorkers),
		maxWorkers:    maxWorkers,
	}
	go pool.dispatch()
	return pool
}

// Stop rejects new jobs, drops queued ones and waits for running ones.
func (p *Pool[T]) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		<-p.dispatcherOut
		for {
			select {
			case job := <-p.Jobs:
				p.drop(job)
				continue
			default:
			}
			break
		}
		p.wg.Wait()
	})
}

// Submit queues job. It returns false when the pool is shutting down or
// job.Ctx ends first.
func (p *Pool[T]) Submit(job Job[T]) bool {
	if job.Ctx == nil {
		job.Ctx = context.Background()
	}
	logger := lg.FromContext(job.Ctx)
	select {
	case <-p.quit:
		logger.Info("Worker pool is shutting down, job rejected")
		return false
	default:
	}
	select {
	case p.Jobs <- job:
		logger.Debug("Job submitted", lg.Any("job", job.Payload))
		return true
	case <-p.quit:
		logger.Info("Worker pool is shutting down, job rejected")
		return false
	case <-job.Ctx.Done():
		return false
	}
}

func (p *Pool[T]) dispatch() {
	defer close(p.dispatcherOut)
	for {
		select {
		case job := <-p.Jobs:
			select {
			case p.slots <- struct{}{}:
			case <-p.quit:
				p.drop(job)
				return
			}
			p.wg.Add(1)
			atomic.AddInt32(&p.activeWorkers, 1)
			go p.worker(job)
		case <-p.quit:
			return
		}
	}
}

func (p *Pool[T]) drop(job Job[T]) {
	if job.CleanupFunc != nil {
		job.CleanupFunc()
	}
}

func (p *Pool[T]) worker(job Job[T]) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer atomic.AddInt32(&p.activeWorkers, -1)
	defer func() {
		if job.CleanupFunc != nil {
			job.CleanupFunc()
		}
	}()
	logger := lg.FromContext(job.Ctx)
	logger.Debug("Worker started", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))

	if err := job.Fn(job.Ctx, job.Payload); err != nil {
		logger.Error("Worker error", lg.Err(err))
		return
	}
	logger.Debug("Worker finished", lg.Int32("workers", atomic.LoadInt32(&p.activeWorkers)))
}

func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}

func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }
