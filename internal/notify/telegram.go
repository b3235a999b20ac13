package notify

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends approved responses to a Telegram chat, typically a
// support team group.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authorizes the bot and returns a notifier for chatID.
// An empty endpoint uses the public Bot API.
func NewTelegram(token string, chatID int64, endpoint string, client *http.Client) (*TelegramNotifier, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram notify: token is required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram notify: init bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

func (n *TelegramNotifier) Name() string { return "telegram" }

// Notify renders the Markdown body as Telegram HTML. If Telegram rejects the
// markup the message is resent as plain text.
func (n *TelegramNotifier) Notify(_ context.Context, d Delivery) error {
	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("<b>Ticket #%d resolved</b> (reply to %s)\n\n%s",
		d.TicketID, escape(d.Email), telegramHTML(d.Body)))
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if _, err := n.bot.Send(msg); err == nil {
		return nil
	}

	msg.Text = fmt.Sprintf("Ticket #%d resolved (reply to %s)\n\n%s", d.TicketID, d.Email, plainText(d.Body))
	msg.ParseMode = ""
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram notify: send: %w", err)
	}
	return nil
}
