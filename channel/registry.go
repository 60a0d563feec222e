package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/persistence"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type Resolver interface {
	ForContact(ctx context.Context, ownerId string, contact string) (Adapter, error)
}

var _ Resolver = new(Registry)

type Factory func(conf *model.ChannelConfig) (Adapter, error)

func DefaultFactories(client *http.Client) map[model.ChannelBackend]Factory {
	return map[model.ChannelBackend]Factory{
		model.BACKEND_WHATSAPP_CLOUD: func(conf *model.ChannelConfig) (Adapter, error) {
			c, err := WhatsAppConfigFrom(conf)
			if err != nil {
				return nil, err
			}
			return NewWhatsAppCloudAdapter(c, client), nil
		},
		model.BACKEND_TWILIO: func(conf *model.ChannelConfig) (Adapter, error) {
			return NewTwilioAdapter(conf)
		},
		model.BACKEND_TELEGRAM: func(conf *model.ChannelConfig) (Adapter, error) {
			return NewTelegramAdapter(conf)
		},
		model.BACKEND_LOG: func(conf *model.ChannelConfig) (Adapter, error) {
			return NewLogAdapter(), nil
		},
	}
}

// Registry picks the adapter for a contact from stored channel configuration.
// Built adapters are cached per channel config.
type Registry struct {
	storage   persistence.AccountStorage
	factories map[model.ChannelBackend]Factory
	adapters  *gocache.Cache
	fallback  Adapter
}

func NewRegistry(storage persistence.AccountStorage, factories map[model.ChannelBackend]Factory, ttl time.Duration) *Registry {
	return &Registry{
		storage:   storage,
		factories: factories,
		adapters:  gocache.New(ttl, 2*ttl),
	}
}

// WithFallback sets the adapter used for contacts without any configuration.
func (r *Registry) WithFallback(a Adapter) *Registry {
	r.fallback = a
	return r
}

func (r *Registry) ForContact(ctx context.Context, ownerId string, contact string) (Adapter, error) {
	conf, err := r.storage.ResolveChannelConfig(ctx, ownerId, contact)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			if r.fallback != nil {
				return r.fallback, nil
			}
			return nil, fmt.Errorf("%w: owner %s", ErrNoChannel, ownerId)
		}
		return nil, err
	}
	return r.ForConfig(conf)
}

func (r *Registry) ForConfig(conf *model.ChannelConfig) (Adapter, error) {
	if a, ok := r.adapters.Get(conf.Id); ok {
		return a.(Adapter), nil
	}
	factory, ok := r.factories[conf.Backend]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q", ErrUnsupported, conf.Backend)
	}
	a, err := factory(conf)
	if err != nil {
		logger.Error("error building channel adapter", zap.String("config", conf.Id), zap.String("backend", string(conf.Backend)), zap.Error(err))
		return nil, err
	}
	limited := NewRateLimited(a, conf.RatePerSecond)
	r.adapters.SetDefault(conf.Id, limited)
	return limited, nil
}

// Invalidate drops a cached adapter after its configuration changed.
func (r *Registry) Invalidate(configId string) {
	r.adapters.Delete(configId)
}
