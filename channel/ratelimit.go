package channel

import (
	"context"

	"github.com/felcoslop/tizap-sub000/model"
	"golang.org/x/time/rate"
)

var _ Adapter = new(RateLimited)

// RateLimited blocks each send until the limiter admits it.
type RateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

func NewRateLimited(next Adapter, perSecond float64) *RateLimited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, 1)}
}

func (r *RateLimited) Backend() model.ChannelBackend {
	return r.next.Backend()
}

func (r *RateLimited) Send(ctx context.Context, contact string, payload Payload) (SendResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return SendResult{}, &Error{Backend: r.next.Backend(), Transient: true, Err: err}
	}
	return r.next.Send(ctx, contact, payload)
}
