package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/framegraph/engine/renderer/metadata"
)

var ErrFenceRegression = errors.New("fence value must increase")

// RetainedSubmissions is how many of the latest submitted lists Submitted reports.
const RetainedSubmissions = 64

type Queue struct {
	mu        sync.Mutex
	manual    bool
	signaled  uint64
	completed uint64
	changed   chan struct{}
	submitted []*CommandList
}

func newQueue() *Queue {
	return &Queue{changed: make(chan struct{})}
}

func (q *Queue) Submit(list metadata.CommandList) error {
	cl, ok := list.(*CommandList)
	if !ok {
		return fmt.Errorf("headless queue cannot submit %T", list)
	}
	if !cl.Closed() {
		return fmt.Errorf("submitting a command list that is still recording")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.submitted) == RetainedSubmissions {
		copy(q.submitted, q.submitted[1:])
		q.submitted = q.submitted[:RetainedSubmissions-1]
	}
	q.submitted = append(q.submitted, cl)
	return nil
}

func (q *Queue) Signal(value uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if value <= q.signaled {
		return fmt.Errorf("%w: %d after %d", ErrFenceRegression, value, q.signaled)
	}
	q.signaled = value
	if !q.manual {
		q.advance(value)
	}
	return nil
}

// advance must be called with the lock held.
func (q *Queue) advance(value uint64) {
	if value <= q.completed {
		return
	}
	q.completed = value
	close(q.changed)
	q.changed = make(chan struct{})
}

// Complete pretends the GPU reached value. Values above the last signal are clamped.
func (q *Queue) Complete(value uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if value > q.signaled {
		value = q.signaled
	}
	q.advance(value)
}

func (q *Queue) CompletedValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

func (q *Queue) SignaledValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.signaled
}

func (q *Queue) Wait(ctx context.Context, value uint64) error {
	for {
		q.mu.Lock()
		if q.completed >= value {
			q.mu.Unlock()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (q *Queue) WaitIdle(ctx context.Context) error {
	return q.Wait(ctx, q.SignaledValue())
}

// Submitted returns the most recent submitted lists, oldest first.
func (q *Queue) Submitted() []*CommandList {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*CommandList(nil), q.submitted...)
}
