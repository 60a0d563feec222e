package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"go.uber.org/zap"
)

var ErrNoRecipient = errors.New("email recipient not resolved")

type Message struct {
	TemplateId string
	To         string
	Params     map[string]string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var _ Sender = new(HTTPSender)
var _ Sender = new(LogSender)

// HTTPSender posts template emails to an EmailJS compatible endpoint.
type HTTPSender struct {
	endpoint  string
	serviceId string
	userId    string
	client    *http.Client
}

func NewHTTPSender(endpoint string, serviceId string, userId string, client *http.Client) *HTTPSender {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSender{
		endpoint:  endpoint,
		serviceId: serviceId,
		userId:    userId,
		client:    client,
	}
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	params := make(map[string]string, len(msg.Params)+1)
	for k, v := range msg.Params {
		params[k] = v
	}
	params["to_email"] = msg.To
	b, err := json.Marshal(map[string]any{
		"service_id":      s.serviceId,
		"template_id":     msg.TemplateId,
		"user_id":         s.userId,
		"template_params": params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("email api error: status=%d body=%s", resp.StatusCode, string(body))
	}
	return nil
}

// LogSender only logs; used when no email endpoint is configured.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	logger.Info("email", zap.String("template", msg.TemplateId), zap.String("to", msg.To), zap.Any("params", msg.Params))
	return nil
}
