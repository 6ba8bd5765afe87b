package telegram

import (
	"context"
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v4"

	"github.com/gitnudge/internal/dispatch"
	"github.com/gitnudge/pkg/logger"
	"github.com/gitnudge/pkg/ratelimit"
)

// Config holds Telegram bot transport settings
type Config struct {
	Token string `mapstructure:"token"`
}

// Transport delivers messages to a Telegram chat via the Bot API.
// Send-only: the bot never polls for updates.
type Transport struct {
	bot         *tele.Bot
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a new Telegram transport. The token is verified against the
// Bot API at construction time.
func New(cfg Config, limiter *ratelimit.MultiLimiter, log *logger.Logger) (*Transport, error) {
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &Transport{
		bot:         bot,
		rateLimiter: limiter,
		log:         log.WithComponent("telegram"),
	}, nil
}

// Send delivers one message to the given numeric chat ID
func (t *Transport) Send(ctx context.Context, recipient string, msg dispatch.Message) error {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return fmt.Errorf("recipient %q is not a telegram chat ID: %w", recipient, err)
	}

	if err := t.rateLimiter.Wait(ctx, ratelimit.LimiterTelegram); err != nil {
		return fmt.Errorf("rate limit error: %w", err)
	}

	if _, err := t.bot.Send(&tele.Chat{ID: chatID}, msg.Body); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}

	t.log.Debug().Int64("chat_id", chatID).Msg("Telegram message sent")
	return nil
}

// Ensure Transport implements dispatch.Transport
var _ dispatch.Transport = (*Transport)(nil)
