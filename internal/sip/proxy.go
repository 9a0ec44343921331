package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/voxbridge/voxbridge/internal/metrics"
)

// ErrNoActiveProxy is returned when outbound routing needs a proxy but none
// is configured.
var ErrNoActiveProxy = errors.New("no outbound proxy configured")

// Proxy is one outbound proxy slot with its credentials.
type Proxy struct {
	URI      string
	User     string
	Password string
}

// ProxyFailoverController tracks consecutive failed outbound calls against
// the active proxy and switches to the fallback once the threshold is hit.
// Response handling runs on many goroutines at once, so the counter and the
// active slot use atomics instead of a lock.
type ProxyFailoverController struct {
	primary  Proxy
	fallback Proxy

	allowFallback          bool
	allowFallbackToPrimary bool
	maxFailures            int32

	failures atomic.Int32
	active   atomic.Pointer[Proxy]
	switches atomic.Int64

	notifier *Notifier
	logger   *slog.Logger
}

// NewProxyFailoverController creates a failover controller with the primary
// slot active. maxFailures below 1 falls back to 20.
func NewProxyFailoverController(
	primary, fallback Proxy,
	allowFallback, allowFallbackToPrimary bool,
	maxFailures int,
	notifier *Notifier,
	logger *slog.Logger,
) *ProxyFailoverController {
	if maxFailures < 1 {
		maxFailures = 20
	}
	c := &ProxyFailoverController{
		primary:                primary,
		fallback:               fallback,
		allowFallback:          allowFallback,
		allowFallbackToPrimary: allowFallbackToPrimary,
		maxFailures:            int32(maxFailures),
		notifier:               notifier,
		logger:                 logger.With("subsystem", "proxy-failover"),
	}
	c.active.Store(&c.primary)
	return c
}

// Active returns the proxy outbound calls should go through, or an error
// when no proxy URI is configured.
func (c *ProxyFailoverController) Active() (*Proxy, error) {
	p := c.active.Load()
	if p == nil || p.URI == "" {
		return nil, ErrNoActiveProxy
	}
	return p, nil
}

// countsAsFailure reports whether a final response to an initial INVITE sent
// through the proxy should be held against it. Authentication challenges and
// not-found are the callee's problem, not the proxy's.
func countsAsFailure(statusCode int) bool {
	if statusCode <= 400 {
		return false
	}
	switch statusCode {
	case 401, 404, 407:
		return false
	}
	return true
}

// RecordResponse feeds a final response status for an initial INVITE routed
// through the active proxy into the failure counter. Crossing the threshold
// triggers a switch.
func (c *ProxyFailoverController) RecordResponse(ctx context.Context, statusCode int) {
	if !countsAsFailure(statusCode) {
		return
	}
	if c.failures.Add(1) >= c.maxFailures {
		c.Switch(ctx)
	}
}

// Switch moves the active slot to the other proxy and resets the failure
// counter. Switching from primary requires a configured fallback; switching
// back from fallback additionally requires allowFallbackToPrimary. A no-op
// switch leaves the counter untouched.
func (c *ProxyFailoverController) Switch(ctx context.Context) bool {
	cur := c.active.Load()

	var next *Proxy
	switch cur {
	case &c.primary:
		if !c.allowFallback || c.fallback.URI == "" {
			return false
		}
		next = &c.fallback
	case &c.fallback:
		if !c.allowFallbackToPrimary {
			return false
		}
		next = &c.primary
	default:
		return false
	}

	// Only the first concurrent caller wins; losers see the slot already moved.
	if !c.active.CompareAndSwap(cur, next) {
		return false
	}
	c.failures.Store(0)
	c.switches.Add(1)

	msg := fmt.Sprintf("outbound proxy switched from %s to %s", cur.URI, next.URI)
	c.logger.Warn("outbound proxy switched", "from", cur.URI, "to", next.URI)
	if c.notifier != nil {
		c.notifier.Warn(ctx, codeProxySwitch, msg)
	}
	return true
}

// Proxies returns the primary and fallback slots with the active flag set.
func (c *ProxyFailoverController) Proxies() []Proxy {
	out := []Proxy{c.primary}
	if c.fallback.URI != "" {
		out = append(out, c.fallback)
	}
	return out
}

// IsActive reports whether the given URI is the currently active slot.
func (c *ProxyFailoverController) IsActive(uri string) bool {
	p := c.active.Load()
	return p != nil && p.URI == uri
}

// FailedCalls returns the current consecutive-failure count.
func (c *ProxyFailoverController) FailedCalls() int {
	return int(c.failures.Load())
}

// ProxyStatuses implements metrics.ProxyStatusProvider.
func (c *ProxyFailoverController) ProxyStatuses() []metrics.ProxyStatusEntry {
	active := c.active.Load()
	var entries []metrics.ProxyStatusEntry
	for _, p := range []Proxy{c.primary, c.fallback} {
		if p.URI == "" {
			continue
		}
		e := metrics.ProxyStatusEntry{URI: p.URI, Active: active != nil && active.URI == p.URI}
		if e.Active {
			e.FailedCalls = int(c.failures.Load())
		}
		entries = append(entries, e)
	}
	return entries
}

// SwitchCount implements metrics.ProxyStatusProvider.
func (c *ProxyFailoverController) SwitchCount() int64 {
	return c.switches.Load()
}
