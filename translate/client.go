package translate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// Outcome tells the caller what happened to one string.
type Outcome int

const (
	// OutcomeUnchanged: empty or whitespace-only input, nothing was sent.
	OutcomeUnchanged Outcome = iota
	// OutcomeTranslated: the provider translated the string.
	OutcomeTranslated
	// OutcomeMemo: the translation came from the in-run memo.
	OutcomeMemo
	// OutcomeSkippedQuota: the daily quota had no room, the original is returned.
	OutcomeSkippedQuota
	// OutcomeFailed: every attempt failed, the original is returned.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeTranslated:
		return "translated"
	case OutcomeMemo:
		return "memo"
	case OutcomeSkippedQuota:
		return "skipped (quota)"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Quota is the part of quota.Tracker the Client needs.
type Quota interface {
	CanTranslate(ctx context.Context, n int) (bool, error)
	Record(ctx context.Context, n int) error
	Release(n int)
	Remaining() int
}

// ---------------------------------------------------------------------------
// Client options
// ---------------------------------------------------------------------------

// Options configures a Client.
type Options struct {
	// Provider does the actual translation. Required.
	Provider Provider
	// Quota gates and records usage. Required.
	Quota Quota
	// Source and Target are language codes (e.g. "de", "tr").
	Source string
	Target string
	// MaxAttempts is the number of provider calls per string. Default: 3.
	MaxAttempts int
	// RetryDelay is the wait between attempts; also the pause applied to all
	// workers after a rate limit response. Default: 2s.
	RetryDelay time.Duration
	// Memo reuses translations of identical strings within the run.
	Memo bool
	// Logger receives per-string diagnostics. Nil discards.
	Logger *slog.Logger
}

func (o *Options) effectiveMaxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 3
}

func (o *Options) effectiveRetryDelay() time.Duration {
	if o.RetryDelay > 0 {
		return o.RetryDelay
	}
	return 2 * time.Second
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Stats counts outcomes over the lifetime of a Client.
type Stats struct {
	Translated   int64 `json:"translated"`
	MemoHits     int64 `json:"memo_hits"`
	SkippedQuota int64 `json:"skipped_quota"`
	Failed       int64 `json:"failed"`
	Chars        int64 `json:"chars"`
}

// Client is the best-effort translation adapter shared by all workers.
type Client struct {
	provider Provider
	quota    Quota
	source   string
	target   string
	policy   Policy
	delay    time.Duration
	log      *slog.Logger
	rl       rateLimitState

	memoOn bool
	memoMu sync.RWMutex
	memo   map[string]string

	translated   atomic.Int64
	memoHits     atomic.Int64
	skippedQuota atomic.Int64
	failed       atomic.Int64
	chars        atomic.Int64
}

// NewClient returns a Client. It panics if Provider or Quota is nil.
func NewClient(opts Options) *Client {
	if opts.Provider == nil || opts.Quota == nil {
		panic("translate: NewClient needs a Provider and a Quota")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	delay := opts.effectiveRetryDelay()
	return &Client{
		provider: opts.Provider,
		quota:    opts.Quota,
		source:   opts.Source,
		target:   opts.Target,
		policy: Policy{
			MaxAttempts: opts.effectiveMaxAttempts(),
			Backoff:     ConstantBackoff(delay),
		},
		delay:  delay,
		log:    logger,
		memoOn: opts.Memo,
		memo:   make(map[string]string),
	}
}

// Translate returns the translation of text, or text itself if it is blank,
// the quota is exhausted or the provider keeps failing. It never fails.
func (c *Client) Translate(ctx context.Context, text string) (string, Outcome) {
	if strings.TrimSpace(text) == "" {
		return text, OutcomeUnchanged
	}

	if out, ok := c.lookup(text); ok {
		c.memoHits.Add(1)
		return out, OutcomeMemo
	}

	n := utf8.RuneCountInString(text)
	ok, err := c.quota.CanTranslate(ctx, n)
	if err != nil {
		c.failed.Add(1)
		c.log.Warn("quota check failed", "err", err)
		return text, OutcomeFailed
	}
	if !ok {
		c.skippedQuota.Add(1)
		c.log.Warn("daily quota exhausted, keeping original",
			"remaining", c.quota.Remaining(), "needed", n)
		return text, OutcomeSkippedQuota
	}

	var out string
	err = Retry(ctx, c.policy, func(ctx context.Context) error {
		if err := c.rl.waitIfPaused(ctx); err != nil {
			return err
		}
		s, err := c.provider.Translate(ctx, text, c.source, c.target)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				c.rl.pause(c.delay)
			}
			c.log.Debug("provider call failed", "err", err, "text", truncate(text, 60))
			return err
		}
		if s == "" {
			return ErrEmptyResult
		}
		out = s
		return nil
	})
	if err != nil {
		c.quota.Release(n)
		c.failed.Add(1)
		c.log.Error("translation failed, keeping original", "err", err, "text", truncate(text, 60))
		return text, OutcomeFailed
	}

	// Usage must be stored even when the run is being cancelled.
	if err := c.quota.Record(context.WithoutCancel(ctx), n); err != nil {
		c.log.Warn("recording quota usage", "err", err)
	}
	c.translated.Add(1)
	c.chars.Add(int64(n))
	c.store(text, out)
	return out, OutcomeTranslated
}

func (c *Client) lookup(text string) (string, bool) {
	if !c.memoOn {
		return "", false
	}
	c.memoMu.RLock()
	defer c.memoMu.RUnlock()
	out, ok := c.memo[text]
	return out, ok
}

func (c *Client) store(text, out string) {
	if !c.memoOn {
		return
	}
	c.memoMu.Lock()
	c.memo[text] = out
	c.memoMu.Unlock()
}

// Stats returns a snapshot of the outcome counters.
func (c *Client) Stats() Stats {
	return Stats{
		Translated:   c.translated.Load(),
		MemoHits:     c.memoHits.Load(),
		SkippedQuota: c.skippedQuota.Load(),
		Failed:       c.failed.Load(),
		Chars:        c.chars.Load(),
	}
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
