package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/conductline/conduct/queue"
	"github.com/conductline/conduct/types"
)

var (
	_ queue.Queue = &memQueue{}
)

func NewMemQueue(leaseDuration time.Duration) queue.Queue {
	return newMemQueue(leaseDuration, defaultNoErr)
}

// NewMemQueueWithErrHandler injects a fault before every operation,
// used to exercise QueueError handling in tests.
func NewMemQueueWithErrHandler(leaseDuration time.Duration, errHandler func() error) queue.Queue {
	return newMemQueue(leaseDuration, errHandler)
}

func newMemQueue(leaseDuration time.Duration, errHandler func() error) *memQueue {
	return &memQueue{
		leaseDuration:  leaseDuration,
		mockErrHandler: errHandler,
	}
}

func defaultNoErr() error {
	return nil
}

type item struct {
	task    types.Task
	readyAt time.Time

	receipt       string
	leaseDeadline time.Time
}

/**
 * memQueue keeps tasks in process memory with visibility-timeout
 * semantics. It aims to provide a backend for debug & testing.
 * NEVER use it in the Production!
 */
type memQueue struct {
	mu sync.Mutex

	mockErrHandler func() error

	leaseDuration time.Duration
	items         []*item
	closed        bool
}

func (q *memQueue) Push(ctx context.Context, task *types.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return types.NewQueueErrorf("queue closed")
	}
	if err := q.mockErrHandler(); err != nil {
		return types.NewQueueError(err)
	}

	q.items = append(q.items, &item{
		task:    *task,
		readyAt: time.Now().Add(delay),
	})
	return nil
}

func (q *memQueue) Pop(ctx context.Context, timeout time.Duration) (*queue.Leased, error) {
	deadline := time.Now().Add(timeout)
	for {
		leased, err := q.tryPop()
		if err != nil {
			return nil, errors.Trace(err)
		}
		if leased != nil {
			return leased, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *memQueue) tryPop() (*queue.Leased, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, types.NewQueueErrorf("queue closed")
	}
	if err := q.mockErrHandler(); err != nil {
		return nil, types.NewQueueError(err)
	}

	now := time.Now()
	for _, it := range q.items {
		if it.readyAt.After(now) {
			continue
		}
		// an expired lease makes the task visible again
		if it.receipt != "" && it.leaseDeadline.After(now) {
			continue
		}
		it.receipt = uuid.NewString()
		it.leaseDeadline = now.Add(q.leaseDuration)
		return &queue.Leased{
			Task:     it.task,
			Receipt:  it.receipt,
			Deadline: it.leaseDeadline,
		}, nil
	}
	return nil, nil
}

func (q *memQueue) Delete(ctx context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.mockErrHandler(); err != nil {
		return types.NewQueueError(err)
	}

	for i, it := range q.items {
		if it.receipt == receipt {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	// deleting an already-deleted receipt is not an error
	return nil
}

func (q *memQueue) ExtendLease(ctx context.Context, receipt string, d time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.mockErrHandler(); err != nil {
		return types.NewQueueError(err)
	}

	for _, it := range q.items {
		if it.receipt == receipt {
			it.leaseDeadline = time.Now().Add(d)
			return nil
		}
	}
	return types.NewQueueErrorf("unknown receipt %s", receipt)
}

func (q *memQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	return nil
}

// Depth returns how many tasks are enqueued, leased or not.
func (q *memQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
