package notify

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"pricesync/internal/config"
	"pricesync/internal/domain"
	"pricesync/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sender is the part of the bot API used for alerts.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

var _ domain.FailureNotifier = (*TelegramNotifier)(nil)

// TelegramNotifier posts one message per permanently failed job to the operator chats.
// Bursts beyond the limiter are dropped and counted.
type TelegramNotifier struct {
	bot     Sender
	chatIDs []int64
	limiter *rate.Limiter
	dropped atomic.Int64
	logger  zerolog.Logger
}

// NewTelegramBot connects to the Bot API.
func NewTelegramBot(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

func NewTelegramNotifier(bot Sender, chatIDs []int64, logger *zerolog.Logger) *TelegramNotifier {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "notify").Logger()
	}
	return &TelegramNotifier{
		bot:     bot,
		chatIDs: chatIDs,
		limiter: rate.NewLimiter(rate.Limit(1), 10),
		logger:  l,
	}
}

func (n *TelegramNotifier) NotifyJobFailed(ctx context.Context, job *models.SyncJob, cause string) error {
	if !n.limiter.Allow() {
		n.dropped.Add(1)
		n.logger.Warn().Int64("job_id", job.ID).Msg("alert rate exceeded, notification dropped")
		return nil
	}

	text := FormatFailure(job, cause)
	var firstErr error
	for _, chatID := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Error().Err(err).Int64("chat_id", chatID).Int64("job_id", job.ID).Msg("send alert")
			if firstErr == nil {
				firstErr = fmt.Errorf("send alert to %d: %w", chatID, err)
			}
		}
	}
	return firstErr
}

// Dropped returns how many alerts the limiter discarded.
func (n *TelegramNotifier) Dropped() int64 {
	return n.dropped.Load()
}

// FormatFailure renders the plain-text alert body.
func FormatFailure(job *models.SyncJob, cause string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sync job #%d failed\n", job.ID)
	fmt.Fprintf(&b, "Entity: %s\n", job.EntityID)
	if job.FamilyID != "" {
		fmt.Fprintf(&b, "Family: %s\n", job.FamilyID)
	}
	if job.ErrorKind != models.ErrorKindNone {
		fmt.Fprintf(&b, "Kind: %s\n", job.ErrorKind)
	}
	fmt.Fprintf(&b, "Retries: %d\n", job.RetryCount)
	fmt.Fprintf(&b, "Error: %s", cause)
	if job.ErrorKind.NeedsOperator() {
		b.WriteString("\nNeeds operator attention.")
	}
	return b.String()
}
