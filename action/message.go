package action

import (
	"context"
	"fmt"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/model"
)

type MessageData struct {
	Text         string  `json:"text"`
	Message      string  `json:"message"`
	TypingDelay  float64 `json:"typingDelay"`
	WaitForReply bool    `json:"waitForReply"`
	Timeout      float64 `json:"timeout"`
}

func (d *MessageData) body() string {
	if d.Text != "" {
		return d.Text
	}
	return d.Message
}

func executeMessage(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	data, err := decode[MessageData](node)
	if err != nil {
		return failed(err)
	}
	text, err := ResolveText(data.body(), session.Variables)
	if err != nil {
		return failed(err)
	}
	if err := p.sleep(ctx, seconds(data.TypingDelay)); err != nil {
		return failed(err)
	}
	if _, err := p.send(ctx, session, channel.TextPayload(text)); err != nil {
		return failed(fmt.Errorf("send message: %w", err))
	}
	res := Result{Action: RESULT_CONTINUE}
	res.log(model.LOG_SENT_MESSAGE, text)
	if data.WaitForReply {
		res.Action = RESULT_WAIT
		res.WaitTimeout = seconds(data.Timeout)
	}
	return res
}
