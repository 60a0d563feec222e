package action

import (
	"context"
	"fmt"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/model"
)

type CloseData struct {
	Text string `json:"text"`
}

func executeClose(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	res := Result{Action: RESULT_END}
	data, err := decode[CloseData](node)
	if err != nil || data.Text == "" {
		return res
	}
	text, err := ResolveText(data.Text, session.Variables)
	if err != nil {
		return res
	}
	if _, err := p.send(ctx, session, channel.TextPayload(text)); err != nil {
		res.log(model.LOG_ERROR, fmt.Sprintf("farewell: %v", err))
		return res
	}
	res.log(model.LOG_SENT_MESSAGE, text)
	return res
}
