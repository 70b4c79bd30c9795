// Package clocksync estimates the skew between the form server's clock and ours.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "nrtool/pkg/logx"
)

// Offset holds the last measured server-minus-local clock difference.
type Offset struct {
	mu       sync.RWMutex
	seconds  float64
	measured time.Time
	ok       bool
}

func (o *Offset) Set(seconds float64, at time.Time) {
	o.mu.Lock()
	o.seconds, o.measured, o.ok = seconds, at, true
	o.mu.Unlock()
}

// Get returns the offset in seconds, when it was measured and whether any
// measurement exists yet.
func (o *Offset) Get() (seconds float64, measured time.Time, ok bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.seconds, o.measured, o.ok
}

type Config struct {
	Endpoint   string
	UserAgent  string
	Attempts   int           // default 10
	RetryDelay time.Duration // default 20s; negative means no wait
	Timeout    time.Duration // default 15s
}

type Updater struct {
	cfg    Config
	hc     *http.Client
	log    logx.Logger
	now    func() time.Time
	offset *Offset

	onMeasure func(seconds float64)
}

type Option func(*Updater)

func WithHTTPClient(hc *http.Client) Option {
	return func(u *Updater) {
		if hc != nil {
			u.hc = hc
		}
	}
}

func WithNow(fn func() time.Time) Option {
	return func(u *Updater) {
		if fn != nil {
			u.now = fn
		}
	}
}

// WithMeasureHook is called with every successful measurement (metrics).
func WithMeasureHook(fn func(seconds float64)) Option {
	return func(u *Updater) { u.onMeasure = fn }
}

func New(cfg Config, offset *Offset, log logx.Logger, opts ...Option) (*Updater, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("clock probe endpoint is required")
	}
	if offset == nil {
		offset = &Offset{}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 20 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	u := &Updater{
		cfg:    cfg,
		hc:     &http.Client{Timeout: cfg.Timeout},
		log:    log,
		now:    time.Now,
		offset: offset,
	}
	for _, o := range opts {
		o(u)
	}
	return u, nil
}

func (u *Updater) Offset() *Offset { return u.offset }

// Update measures the offset, retrying any failure, and stores the result.
// It is shaped as a scheduler job.
func (u *Updater) Update(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= u.cfg.Attempts; attempt++ {
		secs, err := u.measure(ctx)
		if err == nil {
			u.offset.Set(secs, u.now())
			u.log.Info("server time offset updated", logx.Float64("offset_s", secs), logx.Int("attempt", attempt))
			if u.onMeasure != nil {
				u.onMeasure(secs)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		u.log.Warn("server time probe failed", logx.Int("attempt", attempt), logx.Int("of", u.cfg.Attempts), logx.Err(err))
		if attempt == u.cfg.Attempts {
			break
		}
		t := time.NewTimer(u.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("server time probe: giving up after %d attempts: %w", u.cfg.Attempts, lastErr)
}

func (u *Updater) measure(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.Endpoint, nil)
	if err != nil {
		return 0, err
	}
	if u.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", u.cfg.UserAgent)
	}
	resp, err := u.hc.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
	local := u.now()

	raw := resp.Header.Get("Date")
	if raw == "" {
		return 0, errors.New("response has no Date header")
	}
	server, err := http.ParseTime(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid Date header %q: %w", raw, err)
	}
	return server.Sub(local).Seconds(), nil
}
