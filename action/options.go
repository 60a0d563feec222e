package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/model"
)

type OptionsData struct {
	Text       string   `json:"text"`
	Options    []string `json:"options"`
	ButtonText string   `json:"buttonText"`
	Timeout    float64  `json:"timeout"`
}

// OptionHandle is the edge handle of the option at zero based index i.
func OptionHandle(i int) string {
	return model.HANDLE_OPTION_PREFIX + strconv.Itoa(i)
}

func ParseOptions(node *model.Node) (*OptionsData, error) {
	return decode[OptionsData](node)
}

func normalizeReply(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MatchOption resolves a reply to an option handle. A handle encoded payload
// wins, then a leading integer (one based), then a case-insensitive label.
func (d *OptionsData) MatchOption(text string, payload string) (string, bool) {
	for _, candidate := range []string{payload, text} {
		c := strings.TrimSpace(candidate)
		if c == "" {
			continue
		}
		for i := range d.Options {
			if c == OptionHandle(i) {
				return c, true
			}
		}
	}
	reply := normalizeReply(text)
	if reply == "" {
		reply = normalizeReply(payload)
	}
	if reply == "" {
		return "", false
	}
	if n, ok := leadingInt(reply); ok {
		if n >= 1 && n <= len(d.Options) {
			return OptionHandle(n - 1), true
		}
		return "", false
	}
	for i, label := range d.Options {
		if normalizeReply(label) == reply {
			return OptionHandle(i), true
		}
	}
	return "", false
}

func leadingInt(s string) (int, bool) {
	end := 0
	for end < len(s) && unicode.IsDigit(rune(s[end])) {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	return n, err == nil
}

func (d *OptionsData) Menu() channel.Menu {
	m := channel.Menu{Body: d.Text, ButtonText: d.ButtonText}
	for i, label := range d.Options {
		m.Options = append(m.Options, channel.MenuOption{Id: OptionHandle(i), Title: label})
	}
	return m
}

func executeOptions(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	data, err := ParseOptions(node)
	if err != nil {
		return failed(err)
	}
	if len(data.Options) == 0 {
		return failed(fmt.Errorf("%w: options node %s has no options", ErrInvalidNodeData, node.Id))
	}
	text, err := ResolveText(data.Text, session.Variables)
	if err != nil {
		return failed(err)
	}
	data.Text = text
	if _, err := p.send(ctx, session, channel.MenuPayload(data.Menu())); err != nil {
		return failed(fmt.Errorf("send options: %w", err))
	}
	res := Result{Action: RESULT_WAIT, WaitTimeout: seconds(data.Timeout)}
	res.log(model.LOG_SENT_MESSAGE, text)
	return res
}
