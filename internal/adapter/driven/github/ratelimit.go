package github

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ericfisherdev/repotracker/internal/domain/model"
)

// Defaults for the primary rate-limit gate.
const (
	DefaultRateLimitThreshold = 5
	DefaultResetBuffer        = time.Second
)

// RateGateConfig configures a RateGate. Now and Sleep default to the wall
// clock; tests substitute a fake clock.
type RateGateConfig struct {
	Threshold int
	Buffer    time.Duration
	Now       func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error
}

// RateGate holds the process-wide RateLimitState and delays outbound
// requests while the remaining quota is below the threshold. A single gate
// is shared by every worker that talks to GitHub.
type RateGate struct {
	mu        sync.Mutex
	state     model.RateLimitState
	threshold int
	buffer    time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewRateGate creates a RateGate with an unknown initial state.
func NewRateGate(cfg RateGateConfig) *RateGate {
	g := &RateGate{
		threshold: cfg.Threshold,
		buffer:    cfg.Buffer,
		now:       cfg.Now,
		sleep:     cfg.Sleep,
	}
	if g.threshold <= 0 {
		g.threshold = DefaultRateLimitThreshold
	}
	if g.buffer <= 0 {
		g.buffer = DefaultResetBuffer
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.sleep == nil {
		g.sleep = sleepContext
	}
	return g
}

// State returns a copy of the current rate-limit state.
func (g *RateGate) State() model.RateLimitState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Set replaces the current state.
func (g *RateGate) Set(state model.RateLimitState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
}

// Wait blocks until a request may be issued. Admission reserves one unit of
// the remaining quota under the lock, so concurrent workers cannot all pass
// on the same reading. It returns early with the context error if ctx is
// canceled while waiting.
func (g *RateGate) Wait(ctx context.Context) error {
	for {
		reset, admitted := g.admit()
		if admitted {
			return nil
		}
		if err := g.WaitUntil(ctx, reset); err != nil {
			return err
		}
	}
}

// admit reports whether a request may go out now. When it may not, reset is
// the time to wait for.
func (g *RateGate) admit() (reset time.Time, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case !g.state.Known():
		return time.Time{}, true
	case g.state.Remaining >= g.threshold:
		g.state.Remaining--
		return time.Time{}, true
	case !g.now().Before(g.state.Reset.Add(g.buffer)):
		// The window has rolled over; the next response refreshes the count.
		return time.Time{}, true
	default:
		return g.state.Reset, false
	}
}

// WaitUntil sleeps until reset plus the configured buffer has passed.
func (g *RateGate) WaitUntil(ctx context.Context, reset time.Time) error {
	wait := reset.Add(g.buffer).Sub(g.now())
	if wait <= 0 {
		return nil
	}

	state := g.State()
	slog.Warn("github rate limit low, delaying request",
		"remaining", state.Remaining,
		"limit", state.Limit,
		"reset", reset.UTC().Format(time.RFC3339),
		"wait", wait.Round(time.Second),
	)

	return g.sleep(ctx, wait)
}

// Observe updates the state from X-RateLimit-* response headers. Responses
// without a remaining-quota header leave the state unchanged.
func (g *RateGate) Observe(h http.Header) {
	remaining, ok := headerInt(h, "X-RateLimit-Remaining")
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.Remaining = remaining
	if limit, ok := headerInt(h, "X-RateLimit-Limit"); ok {
		g.state.Limit = limit
	}
	if reset, ok := headerInt(h, "X-RateLimit-Reset"); ok {
		g.state.Reset = time.Unix(int64(reset), 0)
	}
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// gateTransport consults the RateGate before every request that reaches the
// network and feeds every response's headers back into it.
type gateTransport struct {
	gate *RateGate
	next http.RoundTripper
}

func (t *gateTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.gate.Wait(req.Context()); err != nil {
		return nil, err
	}

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	t.gate.Observe(resp.Header)
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
