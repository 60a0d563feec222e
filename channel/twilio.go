package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/felcoslop/tizap-sub000/model"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type twilioMessenger interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

var _ Adapter = new(TwilioAdapter)

// TwilioAdapter sends WhatsApp messages through Twilio. Templates are Twilio
// content templates addressed by their content sid; menus are rendered as
// numbered text.
type TwilioAdapter struct {
	api  twilioMessenger
	from string
}

func NewTwilioAdapter(conf *model.ChannelConfig) (*TwilioAdapter, error) {
	sid := conf.Credentials["accountSid"]
	token := conf.Credentials["authToken"]
	from := conf.Credentials["from"]
	if sid == "" || token == "" || from == "" {
		return nil, fmt.Errorf("channel config %s: accountSid, authToken and from are required", conf.Id)
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: sid,
		Password: token,
	})
	return newTwilioAdapter(client.Api, from), nil
}

func newTwilioAdapter(api twilioMessenger, from string) *TwilioAdapter {
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}
	return &TwilioAdapter{api: api, from: from}
}

func (t *TwilioAdapter) Backend() model.ChannelBackend {
	return model.BACKEND_TWILIO
}

func MenuAsText(m *Menu) string {
	var b strings.Builder
	b.WriteString(m.Body)
	for i, o := range m.Options {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(" - ")
		b.WriteString(o.Title)
	}
	return b.String()
}

func (t *TwilioAdapter) Send(ctx context.Context, contact string, payload Payload) (SendResult, error) {
	to := digitsOnly(contact)
	if to == "" {
		return SendResult{}, &Error{Backend: model.BACKEND_TWILIO, Err: fmt.Errorf("%w: %q", ErrBadContact, contact)}
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetFrom(t.from)
	params.SetTo("whatsapp:+" + to)
	switch payload.Kind {
	case PAYLOAD_TEXT:
		params.SetBody(payload.Text)
	case PAYLOAD_MENU:
		params.SetBody(MenuAsText(payload.Menu))
	case PAYLOAD_MEDIA:
		params.SetMediaUrl([]string{payload.Media.URL})
		if payload.Media.Caption != "" {
			params.SetBody(payload.Media.Caption)
		}
	case PAYLOAD_TEMPLATE:
		params.SetContentSid(payload.Template.Name)
		vars := make(map[string]string, len(payload.Template.Params)+len(payload.Template.NamedParams))
		for i, v := range payload.Template.Params {
			vars[strconv.Itoa(i+1)] = v
		}
		for k, v := range payload.Template.NamedParams {
			vars[k] = v
		}
		if len(vars) > 0 {
			b, err := json.Marshal(vars)
			if err != nil {
				return SendResult{}, &Error{Backend: model.BACKEND_TWILIO, Err: err}
			}
			params.SetContentVariables(string(b))
		}
	default:
		return SendResult{}, unsupported(model.BACKEND_TWILIO, string(payload.Kind))
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, transportError(model.BACKEND_TWILIO, err)
	}

	resp, err := t.api.CreateMessage(params)
	if err != nil {
		var rest *twclient.TwilioRestError
		if errors.As(err, &rest) {
			return SendResult{}, &Error{Backend: model.BACKEND_TWILIO, Code: rest.Code, Transient: statusTransient(rest.Status), Err: err}
		}
		return SendResult{}, transportError(model.BACKEND_TWILIO, err)
	}
	if resp.ErrorCode != nil && *resp.ErrorCode != 0 {
		msg := ""
		if resp.ErrorMessage != nil {
			msg = *resp.ErrorMessage
		}
		return SendResult{}, &Error{Backend: model.BACKEND_TWILIO, Code: *resp.ErrorCode, Err: errors.New(msg)}
	}
	res := SendResult{}
	if resp.Sid != nil {
		res.ProviderMessageId = *resp.Sid
	}
	return res, nil
}
