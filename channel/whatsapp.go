package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/felcoslop/tizap-sub000/model"
)

const WHATSAPP_DEFAULT_BASE_URL = "https://graph.facebook.com"
const WHATSAPP_DEFAULT_API_VERSION = "v20.0"

// whatsapp error codes that signal throttling
var whatsappThrottleCodes = map[int]bool{4: true, 80007: true, 130429: true, 131048: true, 131056: true}

var _ Adapter = new(WhatsAppCloudAdapter)

type WhatsAppConfig struct {
	BaseURL       string
	APIVersion    string
	PhoneNumberId string
	AccessToken   string
}

func WhatsAppConfigFrom(conf *model.ChannelConfig) (WhatsAppConfig, error) {
	c := WhatsAppConfig{
		BaseURL:       conf.Credentials["baseUrl"],
		APIVersion:    conf.Credentials["apiVersion"],
		PhoneNumberId: strings.TrimSpace(conf.Credentials["phoneNumberId"]),
		AccessToken:   strings.TrimSpace(conf.Credentials["accessToken"]),
	}
	if c.PhoneNumberId == "" || c.AccessToken == "" {
		return c, fmt.Errorf("channel config %s: phoneNumberId and accessToken are required", conf.Id)
	}
	return c, nil
}

// WhatsAppCloudAdapter sends through the WhatsApp Cloud (Graph) API.
type WhatsAppCloudAdapter struct {
	conf   WhatsAppConfig
	client *http.Client
}

func NewWhatsAppCloudAdapter(conf WhatsAppConfig, client *http.Client) *WhatsAppCloudAdapter {
	if conf.BaseURL == "" {
		conf.BaseURL = WHATSAPP_DEFAULT_BASE_URL
	}
	if conf.APIVersion == "" {
		conf.APIVersion = WHATSAPP_DEFAULT_API_VERSION
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WhatsAppCloudAdapter{conf: conf, client: client}
}

func (w *WhatsAppCloudAdapter) Backend() model.ChannelBackend {
	return model.BACKEND_WHATSAPP_CLOUD
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (w *WhatsAppCloudAdapter) body(to string, p Payload) (map[string]any, error) {
	req := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}
	switch p.Kind {
	case PAYLOAD_TEXT:
		req["type"] = "text"
		req["text"] = map[string]any{"body": p.Text}
	case PAYLOAD_MEDIA:
		if p.Media == nil || p.Media.URL == "" {
			return nil, fmt.Errorf("media payload without url")
		}
		image := map[string]any{"link": p.Media.URL}
		if p.Media.Caption != "" {
			image["caption"] = p.Media.Caption
		}
		req["type"] = "image"
		req["image"] = image
	case PAYLOAD_TEMPLATE:
		if p.Template == nil || p.Template.Name == "" {
			return nil, fmt.Errorf("template payload without name")
		}
		tpl := map[string]any{
			"name":     p.Template.Name,
			"language": map[string]any{"code": p.Template.Language},
		}
		var params []map[string]any
		for _, v := range p.Template.Params {
			params = append(params, map[string]any{"type": "text", "text": v})
		}
		for k, v := range p.Template.NamedParams {
			params = append(params, map[string]any{"type": "text", "parameter_name": k, "text": v})
		}
		if len(params) > 0 {
			tpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
		}
		req["type"] = "template"
		req["template"] = tpl
	case PAYLOAD_MENU:
		if p.Menu == nil || len(p.Menu.Options) == 0 {
			return nil, fmt.Errorf("menu payload without options")
		}
		req["type"] = "interactive"
		req["interactive"] = whatsappInteractive(p.Menu)
	default:
		return nil, unsupported(model.BACKEND_WHATSAPP_CLOUD, string(p.Kind))
	}
	return req, nil
}

func whatsappInteractive(m *Menu) map[string]any {
	if m.AsButtons() {
		buttons := make([]map[string]any, 0, len(m.Options))
		for _, o := range m.Options {
			buttons = append(buttons, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": o.Id, "title": truncate(o.Title, 20)},
			})
		}
		return map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": m.Body},
			"action": map[string]any{"buttons": buttons},
		}
	}
	rows := make([]map[string]any, 0, len(m.Options))
	for _, o := range m.Options {
		rows = append(rows, map[string]any{"id": o.Id, "title": truncate(o.Title, 24)})
	}
	button := m.ButtonText
	if button == "" {
		button = "Opções"
	}
	return map[string]any{
		"type": "list",
		"body": map[string]any{"text": m.Body},
		"action": map[string]any{
			"button":   truncate(button, 20),
			"sections": []map[string]any{{"title": truncate(button, 24), "rows": rows}},
		},
	}
}

type whatsappResponse struct {
	Messages []struct {
		Id string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

func (w *WhatsAppCloudAdapter) Send(ctx context.Context, contact string, payload Payload) (SendResult, error) {
	to := digitsOnly(contact)
	if to == "" {
		return SendResult{}, &Error{Backend: model.BACKEND_WHATSAPP_CLOUD, Err: fmt.Errorf("%w: %q", ErrBadContact, contact)}
	}
	body, err := w.body(to, payload)
	if err != nil {
		if _, ok := err.(*Error); ok {
			return SendResult{}, err
		}
		return SendResult{}, &Error{Backend: model.BACKEND_WHATSAPP_CLOUD, Err: err}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return SendResult{}, &Error{Backend: model.BACKEND_WHATSAPP_CLOUD, Err: err}
	}
	url := fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(w.conf.BaseURL, "/"), w.conf.APIVersion, w.conf.PhoneNumberId)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return SendResult{}, &Error{Backend: model.BACKEND_WHATSAPP_CLOUD, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+w.conf.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return SendResult{}, transportError(model.BACKEND_WHATSAPP_CLOUD, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var parsed whatsappResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 300 {
		code := resp.StatusCode
		transient := statusTransient(resp.StatusCode)
		if parsed.Error != nil {
			code = parsed.Error.Code
			transient = transient || whatsappThrottleCodes[parsed.Error.Code]
		}
		return SendResult{}, &Error{
			Backend:   model.BACKEND_WHATSAPP_CLOUD,
			Code:      code,
			Transient: transient,
			Err:       fmt.Errorf("whatsapp api error: status=%d body=%s", resp.StatusCode, string(raw)),
		}
	}
	res := SendResult{}
	if len(parsed.Messages) > 0 {
		res.ProviderMessageId = parsed.Messages[0].Id
	}
	return res, nil
}
