package action

import (
	"context"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/model"
)

type AlertData struct {
	Text  string `json:"text"`
	Phone string `json:"phone"`
}

// executeAlert notifies the operator and always continues.
func executeAlert(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	res := Result{Action: RESULT_CONTINUE}
	data, err := decode[AlertData](node)
	if err != nil {
		res.log(model.LOG_ERROR, err.Error())
		return res
	}
	phone := data.Phone
	if phone == "" && p.Account != nil {
		phone = p.Account.AlertPhone
	}
	if phone == "" {
		res.log(model.LOG_ERROR, "alert phone not configured")
		return res
	}
	text, err := ResolveText(data.Text, session.Variables)
	if err != nil {
		res.log(model.LOG_ERROR, err.Error())
		return res
	}
	adapter := p.Channel
	if p.Channels != nil {
		if a, err := p.Channels.ForContact(ctx, session.OwnerId, phone); err == nil {
			adapter = a
		}
	}
	if adapter == nil {
		res.log(model.LOG_ERROR, "no channel for alert")
		return res
	}
	if _, err := adapter.Send(ctx, phone, channel.TextPayload(text)); err != nil {
		res.log(model.LOG_ERROR, "alert: "+err.Error())
		return res
	}
	res.log(model.LOG_SENT_MESSAGE, "alert to "+phone)
	return res
}
