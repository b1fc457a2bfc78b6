package errorcore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/go-claw/internal/core"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier delivers an out-of-band alert for a critical/high ErrorIncident.
// Satisfied by TelegramNotifier and, in tests or when no token is
// configured, NoopNotifier.
type Notifier interface {
	Notify(ctx context.Context, incident core.ErrorIncident) error
}

// NoopNotifier discards every incident. Used when no alert channel is
// configured.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, core.ErrorIncident) error { return nil }

// TelegramNotifier sends one message per incident to every chat in
// chatIDs. It is a one-way alert sender only: no polling, no inbound
// commands, no streaming edits, since the Error Core has no inbound
// command surface to handle.
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  *slog.Logger
}

// NewTelegramNotifier authenticates against the Telegram bot API with
// token. Returns an error if the token is rejected, matching
// tgbotapi.NewBotAPI's own contract.
func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("errorcore: telegram init failed: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

// Notify sends a formatted alert to every configured chat. It does not
// abort on the first delivery failure; it logs each and returns the last
// error seen, if any.
func (n *TelegramNotifier) Notify(ctx context.Context, incident core.ErrorIncident) error {
	text := formatIncidentAlert(incident)

	var lastErr error
	for _, chatID := range n.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Error("errorcore: telegram alert failed", "chat_id", chatID, "incident_id", incident.IncidentID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

func formatIncidentAlert(incident core.ErrorIncident) string {
	return fmt.Sprintf("[%s] incident %s (pattern %s)\ncomponents: %v\nrecovery: %v\nstarted: %s",
		incident.Severity, incident.IncidentID, incident.PatternID,
		incident.ComponentsAffected, incident.RecoveryActions, incident.StartedAt.Format("15:04:05"))
}

// shouldAlert reports whether an incident's severity warrants the
// notification hook: critical or high only.
func shouldAlert(sev core.Severity) bool {
	return sev == core.SeverityCritical || sev == core.SeverityHigh
}
