package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/felcoslop/tizap-sub000/persistence"
)

var _ persistence.Queue = new(Queue)
var _ persistence.DelayQueue = new(DelayQueue)

type Queue struct {
	mu      sync.Mutex
	items   map[string][][]byte
	signals map[string]chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		items:   make(map[string][][]byte),
		signals: make(map[string]chan struct{}),
	}
}

func (q *Queue) signal(queueName string) chan struct{} {
	ch, ok := q.signals[queueName]
	if !ok {
		ch = make(chan struct{}, 1)
		q.signals[queueName] = ch
	}
	return ch
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (q *Queue) Push(ctx context.Context, queueName string, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	msg := append([]byte(nil), message...)
	q.items[queueName] = append(q.items[queueName], msg)
	notify(q.signal(queueName))
	return nil
}

func (q *Queue) Pop(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		q.mu.Lock()
		items := q.items[queueName]
		ch := q.signal(queueName)
		if len(items) > 0 {
			msg := items[0]
			q.items[queueName] = items[1:]
			if len(items) > 1 {
				notify(ch)
			}
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			return nil, persistence.EmptyQueueError{}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of pending messages.
func (q *Queue) Len(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[queueName])
}

type delayed struct {
	at      time.Time
	message string
}

type DelayQueue struct {
	mu    sync.Mutex
	items map[string][]delayed
	now   func() time.Time
}

func NewDelayQueue() *DelayQueue {
	return &DelayQueue{
		items: make(map[string][]delayed),
		now:   time.Now,
	}
}

// WithClock overrides the time source used to decide which messages are due.
func (q *DelayQueue) WithClock(now func() time.Time) *DelayQueue {
	q.now = now
	return q
}

func (q *DelayQueue) PushWithDelay(ctx context.Context, queueName string, delay time.Duration, message []byte) error {
	return q.PushAt(ctx, queueName, q.now().Add(delay), message)
}

func (q *DelayQueue) PushAt(ctx context.Context, queueName string, at time.Time, message []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := append(q.items[queueName], delayed{at: at, message: string(message)})
	sort.SliceStable(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
	q.items[queueName] = items
	return nil
}

func (q *DelayQueue) Pop(ctx context.Context, queueName string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	items := q.items[queueName]
	idx := sort.Search(len(items), func(i int) bool { return items[i].at.After(now) })
	if idx == 0 {
		return nil, persistence.EmptyQueueError{}
	}
	out := make([]string, 0, idx)
	for _, d := range items[:idx] {
		out = append(out, d.message)
	}
	q.items[queueName] = append([]delayed(nil), items[idx:]...)
	return out, nil
}
