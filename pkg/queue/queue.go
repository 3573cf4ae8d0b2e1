// Package queue holds deferred steps and drains them in order.
package queue

import (
	"context"
	"sort"
	"sync"
)

// Step is one unit of deferred work run against a receiver.
type Step[S any] func(ctx context.Context, s S) error

// Queue is an ordered list of steps. The zero value is ready to use.
type Queue[S any] struct {
	mu    sync.Mutex
	steps []Step[S]
}

// Push appends steps to the end of the queue.
func (q *Queue[S]) Push(steps ...Step[S]) {
	q.mu.Lock()
	q.steps = append(q.steps, steps...)
	q.mu.Unlock()
}

// Len returns the number of queued steps.
func (q *Queue[S]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.steps)
}

// Take swaps the queued steps out for an empty queue and returns them.
func (q *Queue[S]) Take() []Step[S] {
	q.mu.Lock()
	defer q.mu.Unlock()
	steps := q.steps
	q.steps = nil
	return steps
}

// Capture runs build against an empty queue and returns whatever it pushed.
// The steps queued before the call are restored on every exit path; if build
// panics, the restore happens before the panic continues.
func (q *Queue[S]) Capture(build func()) (captured []Step[S]) {
	saved := q.Take()
	defer func() {
		captured = q.Take()
		q.mu.Lock()
		q.steps = saved
		q.mu.Unlock()
	}()
	build()
	return nil
}

// Drain runs steps in order with recv as receiver. It stops at the first
// failure and returns that error unchanged. The context is checked between
// steps; a step already running is not interrupted.
func Drain[S any](ctx context.Context, recv S, steps []Step[S]) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step(ctx, recv); err != nil {
			return err
		}
	}
	return nil
}

// Batches maps names to captured step sequences.
type Batches[S any] struct {
	mu sync.RWMutex
	m  map[string][]Step[S]
}

// Store saves a copy of steps under name, replacing any previous batch.
func (b *Batches[S]) Store(name string, steps []Step[S]) {
	cp := make([]Step[S], len(steps))
	copy(cp, steps)
	b.mu.Lock()
	if b.m == nil {
		b.m = make(map[string][]Step[S])
	}
	b.m[name] = cp
	b.mu.Unlock()
}

// Load returns the batch stored under name.
func (b *Batches[S]) Load(name string) ([]Step[S], bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	steps, ok := b.m[name]
	return steps, ok
}

// Names lists the stored batch names, sorted.
func (b *Batches[S]) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.m))
	for k := range b.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
