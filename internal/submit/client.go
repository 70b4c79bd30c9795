package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	logx "nrtool/pkg/logx"
)

// ErrTransport wraps the last error after all attempts failed at the transport level.
var ErrTransport = errors.New("submit: transport failure")

const maxBodyBytes = 1 << 20

type Config struct {
	Endpoint   string
	UserAgent  string
	FormID     string
	Attempts   int           // default 10
	RetryDelay time.Duration // default 10s; negative means no wait
	Timeout    time.Duration // per request; default 30s
	// RatePerSec paces outgoing posts across tasks; 0 disables pacing.
	RatePerSec float64
	Location   *time.Location
}

// Request identifies who the form is submitted for.
type Request struct {
	TaskID  string
	UID     string
	Cookie  string
	Profile map[string]any
}

// Result is what the endpoint answered.
type Result struct {
	Form     Form
	Response any // decoded JSON, or the raw body as a string
	Status   int
	Attempts int
}

// OK reports whether the endpoint answered with a 2xx status.
func (r Result) OK() bool { return r.Status >= 200 && r.Status < 300 }

type Client struct {
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	now     func() time.Time
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithNow overrides the clock used for the date and created fields.
func WithNow(fn func() time.Time) Option {
	return func(c *Client) {
		if fn != nil {
			c.now = fn
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("submit endpoint is required")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{
		cfg: cfg,
		hc:  &http.Client{Timeout: cfg.Timeout},
		log: log,
		now: time.Now,
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Now returns the client's current time in its configured location.
func (c *Client) Now() time.Time { return c.now().In(c.cfg.Location) }

// Submit builds the form and posts it, retrying transport failures.
func (c *Client) Submit(ctx context.Context, req Request) (Result, error) {
	form := BuildForm(req.Profile, req.UID, c.cfg.FormID, c.Now())
	res := Result{Form: form}
	body := form.Encode()
	log := c.log.With(logx.String("task", req.TaskID))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		res.Attempts = attempt
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		status, resp, err := c.post(ctx, req.Cookie, body)
		if err == nil {
			res.Status = status
			res.Response = resp
			if !res.OK() {
				log.Warn("form endpoint answered with error status", logx.Int("status", status), logx.Int("attempt", attempt))
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		lastErr = err
		log.Warn("submit attempt failed", logx.Int("attempt", attempt), logx.Int("of", c.cfg.Attempts), logx.Err(err))
		if attempt == c.cfg.Attempts {
			break
		}
		if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
			return res, err
		}
	}
	return res, fmt.Errorf("%w after %d attempts: %v", ErrTransport, res.Attempts, lastErr)
}

func (c *Client) post(ctx context.Context, cookie, body string) (int, any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("DNT", "1")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("Cookie", cookie)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, decodeBody(b), nil
}

func decodeBody(b []byte) any {
	var v any
	if err := json.Unmarshal(b, &v); err == nil {
		return v
	}
	return string(b)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
