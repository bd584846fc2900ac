package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

var (
	// ErrNoActiveQueue 該 dispatch 沒有執行中的事件迴圈
	ErrNoActiveQueue = errors.New("no active status queue for dispatch")
	// ErrAlreadyRunning 同一個 dispatch 已有事件迴圈
	ErrAlreadyRunning = errors.New("dispatch is already running")
)

// statusQueue is a multi-producer single-consumer event queue. Push never
// blocks: runners and child dispatches must not stall on a busy loop.
type statusQueue struct {
	mu     sync.Mutex
	items  []types.StatusEvent
	signal chan struct{}
}

func newStatusQueue(capacity int) *statusQueue {
	return &statusQueue{
		items:  make([]types.StatusEvent, 0, capacity),
		signal: make(chan struct{}, 1),
	}
}

func (q *statusQueue) push(ev types.StatusEvent) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an event arrives or ctx is done.
func (q *statusQueue) pop(ctx context.Context) (types.StatusEvent, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = types.StatusEvent{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return types.StatusEvent{}, ctx.Err()
		case <-q.signal:
		}
	}
}

func (q *statusQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// QueueRegistry owns one status queue per running dispatch.
type QueueRegistry struct {
	mu       sync.RWMutex
	queues   map[types.DispatchID]*statusQueue
	capacity int
}

// NewQueueRegistry capacity is the initial size of each queue.
func NewQueueRegistry(capacity int) *QueueRegistry {
	if capacity <= 0 {
		capacity = 64
	}
	return &QueueRegistry{queues: make(map[types.DispatchID]*statusQueue), capacity: capacity}
}

func (r *QueueRegistry) register(id types.DispatchID) (*statusQueue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	}
	q := newStatusQueue(r.capacity)
	r.queues[id] = q
	return q, nil
}

func (r *QueueRegistry) remove(id types.DispatchID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queues, id)
}

// Active reports whether id has a registered queue.
func (r *QueueRegistry) Active(id types.DispatchID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.queues[id]
	return ok
}

// Notify posts ev to the queue of id.
func (r *QueueRegistry) Notify(ctx context.Context, id types.DispatchID, ev types.StatusEvent) error {
	r.mu.RLock()
	q, ok := r.queues[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveQueue, id)
	}
	q.push(ev)
	return nil
}
