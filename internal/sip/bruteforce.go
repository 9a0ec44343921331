package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	// maxFailedAttempts is the number of failed digest verifications before a
	// source IP is blocked.
	maxFailedAttempts = 10

	// blockDuration is the initial block length. Repeat offences double it.
	blockDuration = 5 * time.Minute

	// maxBlockDuration caps the progressive backoff.
	maxBlockDuration = 24 * time.Hour

	// failureWindow is the sliding window in which failures are counted.
	failureWindow = 10 * time.Minute
)

type sourceRecord struct {
	failures  []time.Time
	blocked   bool
	blockedAt time.Time
	blockFor  time.Duration
}

// BruteForceGuard blocks source IPs that keep failing digest verification.
// Requests from a blocked source are dropped before any credential work.
// Blocks expire on their own; each repeat offence doubles the next block up
// to maxBlockDuration.
type BruteForceGuard struct {
	mu      sync.Mutex
	records map[string]*sourceRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		records: make(map[string]*sourceRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked reports whether the source ("ip:port" or bare IP) is blocked.
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	if time.Since(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure counts a failed verification. Crossing the threshold inside
// the window blocks the source.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &sourceRecord{blockFor: blockDuration}
		g.records[ip] = rec
	}
	if rec.blocked {
		return
	}

	now := time.Now()
	cutoff := now.Add(-failureWindow)
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) >= maxFailedAttempts {
		rec.blocked = true
		rec.blockedAt = now
		rec.failures = nil

		g.logger.Warn("source blocked after repeated failed auth attempts",
			"ip", ip,
			"block_duration", rec.blockFor.String(),
		)

		next := rec.blockFor * 2
		if next > maxBlockDuration {
			next = maxBlockDuration
		}
		rec.blockFor = next
	}
}

// RecordSuccess clears the failure counter for a source. The progressive
// block length is kept so a repeat offender still earns a longer block.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup drops expired blocks and idle records. Called periodically from
// the server's maintenance loop.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// extractIP parses the IP from a "host:port" string, or returns the raw
// string when it already is an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}
