package telegram

import (
	"context"
	"fmt"

	"gopkg.in/telebot.v3"
)

// Notifier delivers operational alerts to a Telegram chat. It is an
// optional alternative to the mail notification sink.
type Notifier struct {
	bot    *telebot.Bot
	chatID int64
}

func NewNotifier(token string, chatID int64) (*Notifier, error) {
	bot, err := telebot.NewBot(telebot.Settings{Token: token})
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

func (n *Notifier) Notify(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := subject
	if body != "" {
		text = subject + "\n\n" + body
	}
	_, err := n.bot.Send(&telebot.User{ID: n.chatID}, text, &telebot.SendOptions{
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("failed to send Telegram notification: %w", err)
	}
	return nil
}
