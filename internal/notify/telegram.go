// internal/notify/telegram.go
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const maxTelegramMessage = 4096

// TelegramDeliverer sends notifications to a Telegram chat. The target of
// a telegram-origin callback context is the chat id.
type TelegramDeliverer struct {
	bot *tgbotapi.BotAPI
}

// NewTelegramDeliverer creates a deliverer using the given bot token.
func NewTelegramDeliverer(token string) (*TelegramDeliverer, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return &TelegramDeliverer{bot: bot}, nil
}

// Deliver formats the notification as chat text and sends it.
func (t *TelegramDeliverer) Deliver(_ context.Context, target string, n *Notification) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("parse chat id %q: %w", target, err)
	}
	return t.send(chatID, formatText(n))
}

func formatText(n *Notification) string {
	summary := n.Summary
	// Executors sometimes report HTML-formatted summaries; Telegram wants
	// markdown.
	if strings.Contains(summary, "</") || strings.Contains(summary, "/>") {
		if md, err := htmltomarkdown.ConvertString(summary); err == nil {
			summary = md
		}
	}

	switch n.Kind {
	case "complete":
		if n.Success {
			return fmt.Sprintf("Prompt completed.\n%s", summary)
		}
		return fmt.Sprintf("Prompt failed.\n%s", summary)
	case "tool_call":
		return fmt.Sprintf("Working: %s", n.EventType)
	default:
		return summary
	}
}

func (t *TelegramDeliverer) send(chatID int64, text string) error {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				slog.Warn("telegram send failed", "chat_id", chatID, "error", err)
				return err
			}
		}
	}
	return nil
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
