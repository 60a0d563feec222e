package notify

import (
	"context"
	"fmt"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/util"
	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

var _ Publisher = new(RedisNotifier)
var _ Subscriber = new(RedisNotifier)

// RedisNotifier carries progress across processes over redis pub/sub.
type RedisNotifier struct {
	client    rd.UniversalClient
	namespace string
	encDec    util.EncoderDecoder[model.DispatchProgress]
}

func NewRedisNotifier(client rd.UniversalClient, namespace string) *RedisNotifier {
	return &RedisNotifier{
		client:    client,
		namespace: namespace,
		encDec:    util.NewJsonEncoderDecoder[model.DispatchProgress](),
	}
}

func (r *RedisNotifier) channel(dispatchId string) string {
	return fmt.Sprintf("%s:dispatch-progress:%s", r.namespace, dispatchId)
}

func (r *RedisNotifier) Publish(ctx context.Context, progress model.DispatchProgress) {
	data, err := r.encDec.Encode(progress)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel(progress.DispatchId), data).Err(); err != nil {
		logger.Warn("error publishing dispatch progress", zap.String("dispatch", progress.DispatchId), zap.Error(err))
	}
}

func (r *RedisNotifier) Subscribe(ctx context.Context, dispatchId string) (<-chan model.DispatchProgress, func()) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := r.client.Subscribe(ctx, r.channel(dispatchId))
	out := make(chan model.DispatchProgress, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				progress, err := r.encDec.Decode([]byte(msg.Payload))
				if err != nil {
					logger.Warn("dropping malformed progress message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- *progress:
				default:
				}
			}
		}
	}()
	return out, cancel
}
