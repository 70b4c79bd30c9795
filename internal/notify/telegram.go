// Package notify delivers submission outcomes to a Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"
	logx "nrtool/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
)

// Outcome is one finished submission.
type Outcome struct {
	TaskID   string
	RunID    string
	Date     string
	Status   int
	Attempts int
	Err      error
	Delay    time.Duration
	At       time.Time
}

// Text renders the message sent for o.
func (o Outcome) Text() string {
	var b strings.Builder
	switch {
	case o.Err != nil:
		fmt.Fprintf(&b, "❌ task %s failed after %d attempt(s): %v", o.TaskID, o.Attempts, o.Err)
	case o.Status >= 200 && o.Status < 300:
		fmt.Fprintf(&b, "✅ task %s submitted (HTTP %d)", o.TaskID, o.Status)
	default:
		fmt.Fprintf(&b, "⚠️ task %s got HTTP %d", o.TaskID, o.Status)
	}
	if o.Date != "" {
		fmt.Fprintf(&b, "\ndate: %s", o.Date)
	}
	if o.Delay > 0 {
		fmt.Fprintf(&b, "\njitter: %s", o.Delay)
	}
	if o.RunID != "" {
		fmt.Fprintf(&b, "\nrun: %s", o.RunID)
	}
	return b.String()
}

type Config struct {
	Token  string
	ChatID int64
	// URL overrides the Bot API base URL.
	URL        string
	RatePerSec int // default 1
	QueueSize  int // default 32
}

// Telegram queues outcomes and sends them from one worker goroutine.
type Telegram struct {
	cfg     Config
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
	log     logx.Logger
	queue   chan Outcome
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, ErrDisabled
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	// Offline skips the getMe probe; this bot only sends.
	bot, err := tele.NewBot(tele.Settings{
		URL:     cfg.URL,
		Token:   cfg.Token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		cfg:     cfg,
		bot:     bot,
		chat:    &tele.Chat{ID: cfg.ChatID},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log,
		queue:   make(chan Outcome, cfg.QueueSize),
	}, nil
}

// Notify enqueues o without blocking.
func (t *Telegram) Notify(o Outcome) error {
	select {
	case t.queue <- o:
		return nil
	default:
		t.log.Warn("notification dropped", logx.String("task", o.TaskID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Send delivers o immediately.
func (t *Telegram) Send(ctx context.Context, o Outcome) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, o.Text(), &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// Run drains the queue until ctx ends.
func (t *Telegram) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-t.queue:
			if err := t.Send(ctx, o); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				t.log.Warn("telegram send failed", logx.String("task", o.TaskID), logx.Err(err))
			}
		}
	}
}
