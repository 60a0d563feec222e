package channel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/felcoslop/tizap-sub000/model"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var _ Adapter = new(TelegramAdapter)

// TelegramAdapter addresses contacts by chat id. Channel templates do not
// exist on Telegram.
type TelegramAdapter struct {
	bot telegramSender
}

func NewTelegramAdapter(conf *model.ChannelConfig) (*TelegramAdapter, error) {
	token := strings.TrimSpace(conf.Credentials["botToken"])
	if token == "" {
		return nil, fmt.Errorf("channel config %s: botToken is required", conf.Id)
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return &TelegramAdapter{bot: bot}, nil
}

func (t *TelegramAdapter) Backend() model.ChannelBackend {
	return model.BACKEND_TELEGRAM
}

func telegramKeyboard(m *Menu) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, o := range m.Options {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(o.Title, o.Id)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (t *TelegramAdapter) Send(ctx context.Context, contact string, payload Payload) (SendResult, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(contact), 10, 64)
	if err != nil {
		return SendResult{}, &Error{Backend: model.BACKEND_TELEGRAM, Err: fmt.Errorf("%w: %q", ErrBadContact, contact)}
	}
	var msg tgbotapi.Chattable
	switch payload.Kind {
	case PAYLOAD_TEXT:
		msg = tgbotapi.NewMessage(chatID, payload.Text)
	case PAYLOAD_MENU:
		m := tgbotapi.NewMessage(chatID, payload.Menu.Body)
		m.ReplyMarkup = telegramKeyboard(payload.Menu)
		msg = m
	case PAYLOAD_MEDIA:
		p := tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(payload.Media.URL))
		p.Caption = payload.Media.Caption
		msg = p
	default:
		return SendResult{}, unsupported(model.BACKEND_TELEGRAM, string(payload.Kind))
	}
	if err := ctx.Err(); err != nil {
		return SendResult{}, transportError(model.BACKEND_TELEGRAM, err)
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return SendResult{}, &Error{Backend: model.BACKEND_TELEGRAM, Code: apiErr.Code, Transient: statusTransient(apiErr.Code), Err: err}
		}
		return SendResult{}, transportError(model.BACKEND_TELEGRAM, err)
	}
	return SendResult{ProviderMessageId: strconv.Itoa(sent.MessageID)}, nil
}
