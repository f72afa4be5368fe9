// Package quota tracks the daily character budget of the translation
// provider and throttles requests to it.
//
// A Tracker is the single owner of the counter inside a process: every
// worker goroutine goes through the same Tracker, which reserves characters
// under a mutex before a request is made, so concurrent workers cannot
// overshoot the limit between check and record. Usage is persisted through a
// Store after every successful request. FileStore keeps one JSON file per
// day and is only consistent within one process; RedisStore increments a
// shared counter atomically and is safe across processes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultDailyLimit is the default number of characters per day.
	DefaultDailyLimit = 200_000
	// DefaultRateDelay is the default minimum gap between two requests.
	DefaultRateDelay = time.Second

	dayLayout = "2006-01-02"
)

// ErrInvalidLimit is returned by New for a non-positive daily limit.
var ErrInvalidLimit = errors.New("daily limit must be positive")

// State is the persisted usage of one calendar day.
type State struct {
	CharsTranslated int       `json:"chars_translated"`
	LastRequest     time.Time `json:"last_request"`
	LastUpdate      time.Time `json:"last_update"`
}

// Store persists per-day usage.
type Store interface {
	// Load returns the state for day (YYYY-MM-DD); a day without usage
	// yields a zero State.
	Load(ctx context.Context, day string) (State, error)
	// Add adds n characters to day, sets the last request time to at and
	// returns the new state.
	Add(ctx context.Context, day string, n int, at time.Time) (State, error)
}

// Config configures a Tracker.
type Config struct {
	// DailyLimit is the character budget per calendar day.
	DailyLimit int
	// RateDelay is the minimum gap between two requests (0 = no throttling).
	RateDelay time.Duration
	// Store persists usage. Required.
	Store Store
	// Now overrides the clock used for day keys and timestamps.
	Now func() time.Time
}

// Tracker gates and records provider usage.
type Tracker struct {
	mu       sync.Mutex
	limit    int
	delay    time.Duration
	store    Store
	now      func() time.Time
	limiter  *rate.Limiter
	day      string
	state    State
	reserved int
}

// New loads today's usage from cfg.Store and returns a Tracker.
func New(ctx context.Context, cfg Config) (*Tracker, error) {
	if cfg.DailyLimit <= 0 {
		return nil, ErrInvalidLimit
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("quota store not set")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	t := &Tracker{
		limit: cfg.DailyLimit,
		delay: cfg.RateDelay,
		store: cfg.Store,
		now:   now,
	}

	limit := rate.Inf
	if cfg.RateDelay > 0 {
		limit = rate.Every(cfg.RateDelay)
	}
	t.limiter = rate.NewLimiter(limit, 1)

	if err := t.rollover(ctx); err != nil {
		return nil, err
	}

	// A previous run may have made a request moments ago; the first request
	// of this process still has to wait out the rest of the delay.
	if !t.state.LastRequest.IsZero() && cfg.RateDelay > 0 {
		t.limiter.ReserveN(t.state.LastRequest, 1)
	}

	return t, nil
}

// rollover switches to the current day's state when the date changed.
// Must be called with t.mu held (or before t is shared).
func (t *Tracker) rollover(ctx context.Context) error {
	day := t.now().Format(dayLayout)
	if day == t.day {
		return nil
	}
	st, err := t.store.Load(ctx, day)
	if err != nil {
		return fmt.Errorf("loading quota for %s: %w", day, err)
	}
	t.day = day
	t.state = st
	t.reserved = 0
	return nil
}

// Limit returns the daily limit.
func (t *Tracker) Limit() int { return t.limit }

// RateDelay returns the minimum gap between requests.
func (t *Tracker) RateDelay() time.Duration { return t.delay }

// Day returns the calendar day the tracker currently counts for.
func (t *Tracker) Day() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.day
}

// Used returns the characters translated today.
func (t *Tracker) Used() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.CharsTranslated
}

// Remaining returns the daily limit minus the characters translated today.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r := t.limit - t.state.CharsTranslated; r > 0 {
		return r
	}
	return 0
}

// CanTranslate reports whether n more characters fit into today's budget.
// If they do, n characters are reserved and the call blocks until the rate
// delay since the previous request has passed. A reservation must be
// followed by Record or Release.
func (t *Tracker) CanTranslate(ctx context.Context, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}

	t.mu.Lock()
	if err := t.rollover(ctx); err != nil {
		t.mu.Unlock()
		return false, err
	}
	if t.state.CharsTranslated+t.reserved+n > t.limit {
		t.mu.Unlock()
		return false, nil
	}
	t.reserved += n
	t.mu.Unlock()

	if err := t.limiter.Wait(ctx); err != nil {
		t.Release(n)
		return false, err
	}
	return true, nil
}

// Release returns a reservation made by CanTranslate that was not used.
func (t *Tracker) Release(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release(n)
}

func (t *Tracker) release(n int) {
	t.reserved -= n
	if t.reserved < 0 {
		t.reserved = 0
	}
}

// Record turns a reservation of n characters into usage and persists it.
// The in-memory counter is updated even if persisting fails.
func (t *Tracker) Record(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.release(n)
	at := t.now()

	st, err := t.store.Add(ctx, t.day, n, at)
	if err != nil {
		t.state.CharsTranslated += n
		t.state.LastRequest = at
		t.state.LastUpdate = at
		return fmt.Errorf("saving quota for %s: %w", t.day, err)
	}
	t.state = st
	return nil
}
