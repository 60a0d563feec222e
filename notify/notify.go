package notify

import (
	"context"
	"sync"

	"github.com/felcoslop/tizap-sub000/model"
)

// Publisher delivers dispatch progress best effort. Publish never blocks on
// slow consumers and never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, progress model.DispatchProgress)
}

type Subscriber interface {
	// Subscribe streams progress of one dispatch until cancel is called or
	// ctx is done.
	Subscribe(ctx context.Context, dispatchId string) (<-chan model.DispatchProgress, func())
}

var _ Publisher = new(Hub)
var _ Subscriber = new(Hub)

// Hub fans progress out to in-process subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan model.DispatchProgress]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan model.DispatchProgress]struct{})}
}

func (h *Hub) Publish(ctx context.Context, progress model.DispatchProgress) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[progress.DispatchId] {
		select {
		case ch <- progress:
		default:
		}
	}
}

func (h *Hub) Subscribe(ctx context.Context, dispatchId string) (<-chan model.DispatchProgress, func()) {
	ch := make(chan model.DispatchProgress, 16)
	h.mu.Lock()
	if h.subs[dispatchId] == nil {
		h.subs[dispatchId] = make(map[chan model.DispatchProgress]struct{})
	}
	h.subs[dispatchId][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[dispatchId], ch)
			if len(h.subs[dispatchId]) == 0 {
				delete(h.subs, dispatchId)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ch, cancel
}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, progress model.DispatchProgress) {
	for _, p := range m {
		p.Publish(ctx, progress)
	}
}

type Nop struct{}

func (Nop) Publish(ctx context.Context, progress model.DispatchProgress) {}
