package channel

import (
	"context"
	"encoding/json"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Adapter interface {
	Backend() model.ChannelBackend
	Send(ctx context.Context, contact string, payload Payload) (SendResult, error)
}

var _ Adapter = new(LogAdapter)

// LogAdapter writes every payload to the log instead of a transport.
type LogAdapter struct{}

func NewLogAdapter() *LogAdapter {
	return &LogAdapter{}
}

func (l *LogAdapter) Backend() model.ChannelBackend {
	return model.BACKEND_LOG
}

func (l *LogAdapter) Send(ctx context.Context, contact string, payload Payload) (SendResult, error) {
	data, _ := json.Marshal(payload)
	id := "log-" + uuid.New().String()
	logger.Info("outbound message", zap.String("contact", contact), zap.String("kind", string(payload.Kind)), zap.ByteString("payload", data), zap.String("messageId", id))
	return SendResult{ProviderMessageId: id}, nil
}
