// Package telegram pushes digest blocks to a Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"courier/internal/format"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	Token   string
	ChatID  int64
	Timeout time.Duration
}

type Sender struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

// New builds the sender. The bot is constructed offline so a bad token
// surfaces as a permanent send failure, not a construction error.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{cfg: cfg, log: log}
	if strings.TrimSpace(cfg.Token) != "" {
		b, err := tele.NewBot(tele.Settings{
			Token:   cfg.Token,
			Offline: true,
			Client:  &http.Client{Timeout: cfg.Timeout},
		})
		if err != nil {
			return nil, err
		}
		s.bot = b
	}
	return s, nil
}

func (s *Sender) Name() string { return "telegram" }

func (s *Sender) Send(ctx context.Context, block format.Block) transport.Attempt {
	started := time.Now()
	finish := func(outcome transport.Outcome, err error) transport.Attempt {
		return transport.Attempt{
			Channel:    s.Name(),
			BlockIndex: block.Index,
			StartedAt:  started,
			Duration:   time.Since(started),
			Outcome:    outcome,
			Err:        err,
		}
	}

	if s.bot == nil || s.cfg.ChatID == 0 {
		return finish(transport.OutcomePermanent, errors.New("token and chat_id are required"))
	}
	// telebot calls do not take a context; honor cancellation up front and
	// bound the call with the client timeout.
	if err := ctx.Err(); err != nil {
		return finish(transport.OutcomeTransient, err)
	}

	if _, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, block.Text); err != nil {
		outcome := classify(err)
		return finish(outcome, err)
	}
	return finish(transport.OutcomeSuccess, nil)
}

// classify maps telebot errors to outcomes. Only an outright API rejection
// (4xx class) is permanent; flood waits, server errors and anything that
// never produced an API reply are worth the backup channel.
func classify(err error) transport.Outcome {
	var te *tele.Error
	if !errors.As(err, &te) {
		// Network failures, client timeouts and flood errors (which do not
		// expose a *tele.Error) are all retryable.
		return transport.OutcomeTransient
	}
	if te.Code == http.StatusTooManyRequests || te.Code >= 500 {
		return transport.OutcomeTransient
	}
	return transport.OutcomePermanent
}
