package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts a summary to a fixed chat.
type Telegram struct {
	api    telegramAPI
	chatID int64
}

// NewTelegram connects a bot with token and targets chatID.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return &Telegram{api: api, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(_ context.Context, n *Notification) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d new competitor mentions\n", n.AlertName, n.NewPresencesFound)
	if len(n.Platforms) > 0 {
		fmt.Fprintf(&b, "Platforms: %s\n", strings.Join(n.Platforms, ", "))
	}
	for _, p := range topPresences(n, 5) {
		fmt.Fprintf(&b, "\n%s (%s)\n%s\n", p.Title, p.Competitor, p.URL)
	}

	msg := tgbotapi.NewMessage(t.chatID, b.String())
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
