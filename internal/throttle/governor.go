// Package throttle paces outbound sends to stay under provider abuse detection.
package throttle

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/jnst/outbound-engine/internal/config"
	"github.com/jnst/outbound-engine/internal/model"
	"github.com/jnst/outbound-engine/internal/repository"
)

// Unlimited is the budget reported for channels without caps.
const Unlimited = math.MaxInt

// Refusal reasons reported in Decision.Reason.
const (
	ReasonOutsideWindow = "outside_window"
	ReasonCapExceeded   = "cap_exceeded"
)

// Decision is the outcome of a Gate call.
type Decision struct {
	Allow  bool
	Delay  time.Duration
	Reason string
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes a Governor.
type Option func(*Governor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithSleeper replaces the context-aware timer used by Pause.
func WithSleeper(s Sleeper) Option {
	return func(g *Governor) { g.sleep = s }
}

// WithRandSource seeds the delay jitter.
func WithRandSource(src rand.Source) Option {
	return func(g *Governor) { g.rng = rand.New(src) }
}

// Governor enforces the allowed-hours window, rolling send caps and inter-item delay.
// Caps are counted from history records, so they hold across invocations.
type Governor struct {
	cfg       config.ThrottleConfig
	loc       *time.Location
	history   repository.HistoryRepository
	undelayed map[model.Channel]bool
	now       func() time.Time
	sleep     Sleeper

	mu  sync.Mutex
	rng *rand.Rand
}

// NewGovernor creates a Governor over the history table.
func NewGovernor(cfg config.ThrottleConfig, history repository.HistoryRepository, opts ...Option) (*Governor, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("failed to load throttle timezone %q: %w", tz, err)
	}

	g := &Governor{
		cfg:       cfg,
		loc:       loc,
		history:   history,
		undelayed: make(map[model.Channel]bool, len(cfg.UndelayedChannels)),
		now:       time.Now,
		sleep:     SleepContext,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, c := range cfg.UndelayedChannels {
		g.undelayed[model.Channel(c)] = true
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

// InWindow reports whether now falls inside the allowed-hours window.
// The window may wrap midnight; equal start and end hours disable it.
func (g *Governor) InWindow(now time.Time) bool {
	start, end := g.cfg.AllowedStartHour, g.cfg.AllowedEndHour
	if start == end {
		return true
	}

	h := now.In(g.loc).Hour()
	if start < end {
		return h >= start && h < end
	}

	return h >= start || h < end
}

// Budget returns how many more sends the channel may make before a cap is hit.
func (g *Governor) Budget(ctx context.Context, channel model.Channel) (int, error) {
	hourly, daily := g.cfg.Caps(channel)
	if hourly <= 0 && daily <= 0 {
		return Unlimited, nil
	}

	now := g.now()
	budget := Unlimited

	if hourly > 0 {
		sent, err := g.history.CountSince(ctx, channel, now.Add(-time.Hour))
		if err != nil {
			return 0, err
		}

		budget = min(budget, hourly-sent)
	}

	if daily > 0 {
		sent, err := g.history.CountSince(ctx, channel, now.Add(-24*time.Hour))
		if err != nil {
			return 0, err
		}

		budget = min(budget, daily-sent)
	}

	return max(budget, 0), nil
}

// Gate decides whether the next item of channel may be sent and how long to wait first.
func (g *Governor) Gate(ctx context.Context, channel model.Channel) (Decision, error) {
	if !g.InWindow(g.now()) {
		return Decision{Reason: ReasonOutsideWindow}, nil
	}

	budget, err := g.Budget(ctx, channel)
	if err != nil {
		return Decision{}, err
	}

	if budget <= 0 {
		return Decision{Reason: ReasonCapExceeded}, nil
	}

	return Decision{Allow: true, Delay: g.Delay(channel)}, nil
}

// Delay returns the inter-item delay for channel.
func (g *Governor) Delay(channel model.Channel) time.Duration {
	if g.undelayed[channel] {
		return 0
	}

	if !g.cfg.RandomDelay {
		return g.cfg.FixedDelay
	}

	spread := g.cfg.MaxDelay - g.cfg.MinDelay
	if spread <= 0 {
		return g.cfg.MinDelay
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	return g.cfg.MinDelay + time.Duration(g.rng.Int63n(int64(spread)+1))
}

// Pause blocks for d unless ctx ends first.
func (g *Governor) Pause(ctx context.Context, d time.Duration) error {
	return g.sleep(ctx, d)
}

// SleepContext waits for delay unless ctx ends first.
func SleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
