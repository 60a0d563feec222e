package rest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felcoslop/tizap-sub000/logger"
	"github.com/felcoslop/tizap-sub000/model"
	"github.com/felcoslop/tizap-sub000/trigger"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type decisionResponse struct {
	Kind         trigger.DecisionKind `json:"kind"`
	AutomationId string               `json:"automationId,omitempty"`
	SessionId    string               `json:"sessionId,omitempty"`
	Reason       string               `json:"reason,omitempty"`
}

func toDecisionResponse(d trigger.Decision) decisionResponse {
	out := decisionResponse{Kind: d.Kind, AutomationId: d.AutomationId, Reason: d.Reason}
	if d.Session != nil {
		out.SessionId = d.Session.Id
	}
	return out
}

// HandleInboundEvent accepts an already normalized inbound event.
func (s *Server) HandleInboundEvent(w http.ResponseWriter, r *http.Request) {
	var event model.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	defer r.Body.Close()
	event.OwnerId = mux.Vars(r)["ownerId"]
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	// the flow outlives the request; a caller hanging up must not fail the session
	decision, err := s.resolver.Resolve(context.WithoutCancel(r.Context()), event)
	if err != nil {
		logger.Error("error resolving inbound event", zap.String("owner", event.OwnerId), zap.Error(err))
		respondWithError(w, statusFor(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, toDecisionResponse(decision))
}

type whatsAppMessage struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Id        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Button struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button"`
	Interactive struct {
		Type        string `json:"type"`
		ButtonReply struct {
			Id    string `json:"id"`
			Title string `json:"title"`
		} `json:"button_reply"`
		ListReply struct {
			Id    string `json:"id"`
			Title string `json:"title"`
		} `json:"list_reply"`
	} `json:"interactive"`
	Image struct {
		Id      string `json:"id"`
		Caption string `json:"caption"`
	} `json:"image"`
}

// WebhookPayload is the WhatsApp Cloud API notification body. Delivery
// statuses are not decoded.
type WebhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Id      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Messages      []whatsAppMessage `json:"messages"`
				MessageEchoes []whatsAppMessage `json:"message_echoes"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

const echoField = "smb_message_echoes"

func whatsAppEvent(ownerId string, m whatsAppMessage, echo bool) model.InboundEvent {
	event := model.InboundEvent{
		OwnerId:      ownerId,
		ContactPhone: strings.TrimSpace(m.From),
		IsEcho:       echo,
		Timestamp:    time.Now().UTC(),
	}
	if echo {
		event.ContactPhone = strings.TrimSpace(m.To)
	}
	if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		event.Timestamp = time.Unix(sec, 0).UTC()
	}
	switch m.Type {
	case "text":
		event.Text = m.Text.Body
	case "button":
		event.Text = m.Button.Text
		event.ButtonPayload = m.Button.Payload
	case "interactive":
		if m.Interactive.Type == "list_reply" {
			event.Text = m.Interactive.ListReply.Title
			event.ButtonPayload = m.Interactive.ListReply.Id
		} else {
			event.Text = m.Interactive.ButtonReply.Title
			event.ButtonPayload = m.Interactive.ButtonReply.Id
		}
	case "image":
		event.Text = m.Image.Caption
		event.MediaRef = m.Image.Id
	default:
		event.Text = m.Text.Body
	}
	event.Text = strings.TrimSpace(event.Text)
	return event
}

// ExtractEvents flattens a Cloud API notification into inbound events.
func ExtractEvents(ownerId string, payload WebhookPayload) []model.InboundEvent {
	var out []model.InboundEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			switch strings.TrimSpace(change.Field) {
			case "messages":
				for _, m := range change.Value.Messages {
					out = append(out, whatsAppEvent(ownerId, m, false))
				}
			case echoField:
				for _, m := range change.Value.MessageEchoes {
					out = append(out, whatsAppEvent(ownerId, m, true))
				}
			}
		}
	}
	return out
}

func (s *Server) HandleWhatsAppVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := q.Get("hub.challenge")
	if s.webhook.VerifyToken == "" || q.Get("hub.mode") != "subscribe" ||
		q.Get("hub.verify_token") != s.webhook.VerifyToken || challenge == "" {
		respondWithError(w, http.StatusForbidden, "forbidden")
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

func (s *Server) validSignature(header string, body []byte) bool {
	if s.webhook.AppSecret == "" {
		return true
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || !strings.HasPrefix(header, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.webhook.AppSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// HandleWhatsAppWebhook always acknowledges a well-formed notification so the
// provider does not redeliver it; resolution failures are only logged.
func (s *Server) HandleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	ownerId := mux.Vars(r)["ownerId"]
	body, err := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !s.validSignature(r.Header.Get("X-Hub-Signature-256"), body) {
		logger.Warn("rejected webhook with bad signature", zap.String("owner", ownerId))
		respondWithError(w, http.StatusUnauthorized, "signature mismatch")
		return
	}
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid webhook body")
		return
	}
	events := ExtractEvents(ownerId, payload)
	decisions := make([]decisionResponse, 0, len(events))
	for _, event := range events {
		d, err := s.resolver.Resolve(context.WithoutCancel(r.Context()), event)
		if err != nil {
			logger.Error("error resolving whatsapp message", zap.String("owner", ownerId), zap.String("contact", event.ContactPhone), zap.Error(err))
			continue
		}
		decisions = append(decisions, toDecisionResponse(d))
	}
	respondOK(w, map[string]any{"decisions": decisions})
}
