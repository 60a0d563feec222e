package action

import (
	"context"
	"sort"
	"strings"

	"github.com/felcoslop/tizap-sub000/email"
	"github.com/felcoslop/tizap-sub000/model"
)

type EmailData struct {
	TemplateId        string            `json:"templateId"`
	To                string            `json:"to"`
	RecipientVariable string            `json:"recipientVariable"`
	Params            map[string]string `json:"params"`
}

// recipient prefers the explicit address, then the mapped variable, then any
// variable that looks like an email address.
func (d *EmailData) recipient(vars map[string]any) (string, error) {
	if d.To != "" {
		return ResolveText(d.To, vars)
	}
	if d.RecipientVariable != "" {
		if v := stringify(lookup(vars, d.RecipientVariable)); v != "" {
			return v, nil
		}
	}
	for _, key := range []string{"email", "e-mail", "mail"} {
		if v := stringify(lookup(vars, key)); strings.Contains(v, "@") {
			return v, nil
		}
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := vars[k].(string); ok && strings.Contains(s, "@") && !strings.ContainsAny(s, " \t") {
			return s, nil
		}
	}
	return "", nil
}

// executeEmail never fails the session; problems are only logged.
func executeEmail(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	res := Result{Action: RESULT_CONTINUE}
	data, err := decode[EmailData](node)
	if err != nil {
		res.log(model.LOG_ERROR, err.Error())
		return res
	}
	to, err := data.recipient(session.Variables)
	if err != nil {
		res.log(model.LOG_ERROR, "email recipient: "+err.Error())
		return res
	}
	if to == "" {
		res.log(model.LOG_ERROR, "email: no recipient")
		return res
	}
	params, err := ResolveMap(data.Params, session.Variables)
	if err != nil {
		res.log(model.LOG_ERROR, "email params: "+err.Error())
		return res
	}
	if p.Email == nil {
		res.log(model.LOG_ERROR, "email sender not configured")
		return res
	}
	if err := p.Email.Send(ctx, email.Message{TemplateId: data.TemplateId, To: to, Params: params}); err != nil {
		res.log(model.LOG_ERROR, "email: "+err.Error())
		return res
	}
	res.log(model.LOG_SENT_MESSAGE, "email to "+to)
	return res
}
