// Copyright 2026 The hearth Authors
// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"sync"

	"hearth.build/pkg/internal/deque"
)

// A StepQueue is a [Dispatcher] that buffers runnable steps
// in FIFO order for workers to pop.
type StepQueue struct {
	mu    sync.Mutex
	steps deque.Deque[*Step]
	wake  chan struct{}
}

// NewStepQueue returns a new, empty queue.
func NewStepQueue() *StepQueue {
	return &StepQueue{wake: make(chan struct{}, 1)}
}

// MakeRunnable appends a step to the queue and wakes one waiting Pop.
func (q *StepQueue) MakeRunnable(step *Step) {
	q.mu.Lock()
	q.steps.PushBack(step)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the step at the front of the queue,
// blocking until a step is available or ctx is done.
func (q *StepQueue) Pop(ctx context.Context) (*Step, error) {
	for {
		q.mu.Lock()
		step, ok := q.steps.PopFront()
		q.mu.Unlock()
		if ok {
			return step, nil
		}
		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of buffered steps.
func (q *StepQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.steps.Len()
}
