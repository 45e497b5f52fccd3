package bot

import (
	"context"
	"strings"
	"time"

	"pricesync/internal/models"
	"pricesync/internal/service"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TelegramAPI is the part of *tgbotapi.BotAPI the bot uses.
type TelegramAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

// Operator is the queue surface exposed through chat commands. *service.QueueService implements it.
type Operator interface {
	Stats(ctx context.Context) (*service.Stats, error)
	Issues(ctx context.Context, limit int) (*service.Issues, error)
	GetJob(ctx context.Context, id int64) (*models.SyncJob, error)
	EnqueueEntity(ctx context.Context, req service.EnqueueEntityRequest) ([]*models.SyncJob, error)
	RetryFailed(ctx context.Context, pattern string) (*service.CountResult, error)
	Pause() error
	Resume(ctx context.Context) error
}

var _ Operator = (*service.QueueService)(nil)

// Bot answers operator commands in the configured chats. Messages from other chats are ignored.
type Bot struct {
	api       TelegramAPI
	ops       Operator
	operators map[int64]bool
	metrics   *Metrics
	logger    zerolog.Logger
}

func NewBot(api TelegramAPI, ops Operator, chatIDs []int64, metrics *Metrics, logger *zerolog.Logger) *Bot {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "bot").Logger()
	}
	operators := make(map[int64]bool, len(chatIDs))
	for _, id := range chatIDs {
		operators[id] = true
	}
	return &Bot{api: api, ops: ops, operators: operators, metrics: metrics, logger: l}
}

func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Int("chats", len(b.operators)).Msg("operator bot started")

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Bot stopping...")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.processUpdate(ctx, update)
		}
	}
}

// Stop stops receiving Telegram updates (best-effort).
func (b *Bot) Stop() {
	if b == nil || b.api == nil {
		return
	}
	b.api.StopReceivingUpdates()
}

func (b *Bot) processUpdate(ctx context.Context, update tgbotapi.Update) {
	start := time.Now()
	defer func() {
		b.metrics.observeUpdate(time.Since(start))
	}()

	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.IsCommand() {
		return
	}
	if !b.operators[msg.Chat.ID] {
		b.logger.Warn().Int64("chat_id", msg.Chat.ID).Str("command", msg.Command()).Msg("command from unknown chat ignored")
		return
	}

	updateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	l := b.logger.With().Str("request_id", uuid.NewString()).Int64("chat_id", msg.Chat.ID).Logger()
	updateCtx = l.WithContext(updateCtx)

	b.withRecovery(func() {
		command := strings.ToLower(msg.Command())
		reply := b.handleCommand(updateCtx, command, strings.TrimSpace(msg.CommandArguments()))
		b.metrics.incCommand(command)
		l.Info().Str("command", command).Msg("operator command handled")
		b.send(msg.Chat.ID, reply)
	})
}

func (b *Bot) withRecovery(handler func()) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.incError()
			b.logger.Error().Interface("panic", r).Msg("Recovered from panic in update handler")
		}
	}()
	handler()
}

func (b *Bot) send(chatID int64, text string) {
	m := tgbotapi.NewMessage(chatID, text)
	m.DisableWebPagePreview = true
	if _, err := b.api.Send(m); err != nil {
		b.logger.Error().Err(err).Int64("chat_id", chatID).Msg("send reply")
	}
}

// zerologCtx returns the request logger stored in ctx, falling back to the bot logger.
func zerologCtx(ctx context.Context, b *Bot) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &b.logger
}
