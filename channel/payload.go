package channel

type PayloadKind string

const PAYLOAD_TEXT PayloadKind = "text"
const PAYLOAD_TEMPLATE PayloadKind = "template"
const PAYLOAD_MEDIA PayloadKind = "media"
const PAYLOAD_MENU PayloadKind = "menu"

// MaxButtons is the largest menu rendered as reply buttons; bigger menus are
// rendered as a list.
const MaxButtons = 3

type MenuOption struct {
	Id    string `json:"id"`
	Title string `json:"title"`
}

type Menu struct {
	Body       string       `json:"body"`
	ButtonText string       `json:"buttonText,omitempty"`
	Options    []MenuOption `json:"options"`
}

// AsButtons reports whether the menu fits in reply buttons.
func (m *Menu) AsButtons() bool {
	return len(m.Options) <= MaxButtons
}

type Template struct {
	Name        string            `json:"name"`
	Language    string            `json:"language"`
	Params      []string          `json:"params,omitempty"`
	NamedParams map[string]string `json:"namedParams,omitempty"`
}

type Media struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Payload is one outbound unit. Exactly one of the kind specific fields is set.
type Payload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Template *Template   `json:"template,omitempty"`
	Media    *Media      `json:"media,omitempty"`
	Menu     *Menu       `json:"menu,omitempty"`
}

func TextPayload(text string) Payload {
	return Payload{Kind: PAYLOAD_TEXT, Text: text}
}

func TemplatePayload(t Template) Payload {
	return Payload{Kind: PAYLOAD_TEMPLATE, Template: &t}
}

func MediaPayload(url string, caption string) Payload {
	return Payload{Kind: PAYLOAD_MEDIA, Media: &Media{URL: url, Caption: caption}}
}

func MenuPayload(m Menu) Payload {
	return Payload{Kind: PAYLOAD_MENU, Menu: &m}
}

type SendResult struct {
	ProviderMessageId string `json:"providerMessageId,omitempty"`
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
