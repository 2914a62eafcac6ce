// Package telegram is the send-only Telegram adapter used by the
// escalation notifier. It never long-polls for updates; the watcher has
// no inbound command surface.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "deliverywatch/internal/transport"
	logx "deliverywatch/pkg/logx"
)

type Config struct {
	Token string
}

type Adapter struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		// Send-only: no poller. Offline is left false so the token is
		// verified once at startup.
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{bot: b, log: log}, nil
}

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	sendOpt := &tele.SendOptions{}
	if opt != nil {
		sendOpt.ParseMode = opt.ParseMode
		sendOpt.DisableWebPagePreview = opt.DisablePreview
	}
	if to.ThreadID != 0 {
		sendOpt.ThreadID = to.ThreadID
	}

	// telebot calls are not context-aware; bound them with a goroutine so
	// a stuck send cannot hang a notifier worker past its deadline.
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Send(tele.ChatID(to.ChatID), text, sendOpt)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Nothing to tear down: no poller was started.
	_ = ctx
	return nil
}

// Ping verifies the bot token is still valid.
func (a *Adapter) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Commands()
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("telegram ping timed out")
	}
}
