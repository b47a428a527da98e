// Package notify delivers fire-and-forget alerts to Discord and Telegram.
// Delivery runs off the caller's goroutine and failures are only logged;
// an unreachable webhook must never stall a safety path.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"funding-harvester/internal/config"
)

// Notifier is the alert surface trading components depend on.
type Notifier interface {
	Alert(title, body string)
}

// Noop discards every alert.
type Noop struct{}

func (Noop) Alert(string, string) {}

// Discord posts alerts to a webhook.
type Discord struct {
	http       *resty.Client
	webhookURL string
	logger     *slog.Logger
}

// NewDiscord builds a webhook notifier.
func NewDiscord(webhookURL string, logger *slog.Logger) *Discord {
	return &Discord{
		http:       resty.New().SetTimeout(5 * time.Second),
		webhookURL: webhookURL,
		logger:     logger.With("component", "notify_discord"),
	}
}

func (d *Discord) Alert(title, body string) {
	go func() {
		payload := map[string]string{
			"content": fmt.Sprintf("**%s**\n%s", title, body),
		}
		resp, err := d.http.R().SetBody(payload).Post(d.webhookURL)
		if err != nil {
			d.logger.Warn("discord alert failed", "error", err)
			return
		}
		if resp.StatusCode() >= 300 {
			d.logger.Warn("discord alert rejected", "status", resp.StatusCode())
		}
	}()
}

// Telegram sends alerts to a chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegram builds a Telegram notifier. Fails if the token is invalid.
func NewTelegram(token string, chatID int64, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{
		bot:    bot,
		chatID: chatID,
		logger: logger.With("component", "notify_telegram"),
	}, nil
}

func (t *Telegram) Alert(title, body string) {
	go func() {
		msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("%s\n%s", title, body))
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("telegram alert failed", "error", err)
		}
	}()
}

// Multi fans one alert out to several channels.
type Multi []Notifier

func (m Multi) Alert(title, body string) {
	for _, n := range m {
		n.Alert(title, body)
	}
}

// FromConfig wires up whichever channels the config enables.
func FromConfig(cfg config.NotifyConfig, logger *slog.Logger) Notifier {
	var out Multi
	if cfg.DiscordWebhookURL != "" {
		out = append(out, NewDiscord(cfg.DiscordWebhookURL, logger))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Warn("telegram notifier disabled", "error", err)
		} else {
			out = append(out, tg)
		}
	}
	if len(out) == 0 {
		return Noop{}
	}
	return out
}
