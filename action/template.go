package action

import (
	"context"
	"fmt"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/model"
)

// DEFAULT_LANGUAGE is the template language used when none is given.
const DEFAULT_LANGUAGE = "pt_BR"

type TemplateData struct {
	TemplateName string            `json:"templateName"`
	Language     string            `json:"language"`
	Params       []string          `json:"params"`
	NamedParams  map[string]string `json:"namedParams"`
	WaitForReply bool              `json:"waitForReply"`
	Timeout      float64           `json:"timeout"`
}

func executeTemplate(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	data, err := decode[TemplateData](node)
	if err != nil {
		return failed(err)
	}
	if data.TemplateName == "" {
		return failed(fmt.Errorf("%w: node %s has no template name", ErrInvalidNodeData, node.Id))
	}
	params, err := ResolveAll(data.Params, session.Variables)
	if err != nil {
		return failed(err)
	}
	named, err := ResolveMap(data.NamedParams, session.Variables)
	if err != nil {
		return failed(err)
	}
	lang := data.Language
	if lang == "" {
		lang = DEFAULT_LANGUAGE
	}
	payload := channel.TemplatePayload(channel.Template{Name: data.TemplateName, Language: lang, Params: params, NamedParams: named})
	if _, err := p.send(ctx, session, payload); err != nil {
		return failed(fmt.Errorf("send template %s: %w", data.TemplateName, err))
	}
	res := Result{Action: RESULT_CONTINUE}
	res.log(model.LOG_SENT_MESSAGE, "template "+data.TemplateName)
	if data.WaitForReply {
		res.Action = RESULT_WAIT
		res.WaitTimeout = seconds(data.Timeout)
	}
	return res
}
