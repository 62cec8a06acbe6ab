package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool[int](3)
	var (
		mu   sync.Mutex
		seen []int
		wg   sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(_ context.Context, n int) error {
				mu.Lock()
				seen = append(seen, n)
				mu.Unlock()
				return nil
			},
			CleanupFunc: wg.Done,
		})
		assert.True(t, ok)
	}
	wg.Wait()
	p.Stop()
	assert.Len(t, seen, 10)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool[int](2)
	var (
		running, peak int32
		wg            sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		p.Submit(Job[int]{
			Payload: i,
			Ctx:     context.Background(),
			Fn: func(context.Context, int) error {
				n := atomic.AddInt32(&running, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				atomic.AddInt32(&running, -1)
				return nil
			},
			CleanupFunc: wg.Done,
		})
	}
	wg.Wait()
	p.Stop()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestFailedJobIsNotRetried(t *testing.T) {
	p := NewPool[string](1)
	var calls int32
	done := make(chan struct{})
	p.Submit(Job[string]{
		Payload: "run-1",
		Ctx:     context.Background(),
		Fn: func(context.Context, string) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("session lost")
		},
		CleanupFunc: func() { close(done) },
	})
	<-done
	p.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSubmitAfterStop(t *testing.T) {
	p := NewPool[int](1)
	p.Stop()
	p.Stop()
	assert.False(t, p.Submit(Job[int]{Payload: 1, Fn: func(context.Context, int) error { return nil }}))
	assert.Equal(t, int32(0), p.ActiveWorkers())
	assert.Equal(t, 1, p.MaxWorkers())
}
