package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPoolClosed is returned when a step is started on a closed pool.
var ErrPoolClosed = errors.New("step pool is closed")

// StepPanic is reported to onDone when a step attempt panics.
type StepPanic struct {
	StepID string
	Value  any
}

func (e *StepPanic) Error() string {
	return fmt.Sprintf("step %s panicked: %v", e.StepID, e.Value)
}

// PoolStats counts the attempts a pool has run.
type PoolStats struct {
	Started   int64 `json:"started"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}

// StepPool runs the step attempts of one run on at most Size goroutines and
// knows which steps are currently running. Each run owns its pool, so a
// nested run never waits on its parent's slots.
type StepPool struct {
	slots chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	running map[string]time.Time
	closed  bool
	done    chan struct{}

	started, succeeded, failed, panicked atomic.Int64
}

// NewStepPool returns a pool with room for size concurrent attempts.
func NewStepPool(size int) *StepPool {
	if size <= 0 {
		size = 1
	}
	return &StepPool{
		slots:   make(chan struct{}, size),
		running: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
}

// Size returns the maximum number of concurrent attempts.
func (p *StepPool) Size() int { return cap(p.slots) }

// Go runs fn for stepID on a pool goroutine, waiting for a free slot while
// ctx allows. onDone, when not nil, receives fn's error (or a *StepPanic)
// after the slot has been released.
func (p *StepPool) Go(ctx context.Context, stepID string, fn func(context.Context) error, onDone func(error)) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolClosed
	}
	p.running[stepID] = time.Now()
	p.wg.Add(1)
	p.mu.Unlock()
	p.started.Add(1)

	go func() {
		var err error
		defer func() {
			if v := recover(); v != nil {
				p.panicked.Add(1)
				err = &StepPanic{StepID: stepID, Value: v}
			}
			if err != nil {
				p.failed.Add(1)
			} else {
				p.succeeded.Add(1)
			}
			p.mu.Lock()
			delete(p.running, stepID)
			p.mu.Unlock()
			<-p.slots
			p.wg.Done()
			if onDone != nil {
				onDone(err)
			}
		}()
		err = fn(ctx)
	}()
	return nil
}

// Running lists the steps with an attempt in progress, sorted.
func (p *StepPool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close refuses further attempts. It does not wait for running ones; a
// step that ignores cancellation must not hold the run open.
func (p *StepPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

// Wait blocks until every started attempt has returned.
func (p *StepPool) Wait() { p.wg.Wait() }

// Stats returns a snapshot of the attempt counters.
func (p *StepPool) Stats() PoolStats {
	return PoolStats{
		Started:   p.started.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
