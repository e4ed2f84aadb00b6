// Package ratelimit implements the token-bucket rate limiter used by the
// RFID and QR user-flow services. Buckets are scoped by identity (an IP
// address, card UID, locker ID, or device ID) and track violations
// separately so repeated abuse escalates into a temporary hard block.
package ratelimit

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

// Scope identifies which dimension a bucket is keyed on.
type Scope string

const (
	ScopeIP     Scope = "ip"
	ScopeCard   Scope = "card"
	ScopeLocker Scope = "locker"
	ScopeDevice Scope = "device"
)

var (
	rateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locker",
			Name:      "ratelimit_exceeded_total",
			Help:      "Total rate limit rejections by scope",
		},
		[]string{"scope"},
	)
	rateLimitBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locker",
			Name:      "ratelimit_blocked_total",
			Help:      "Total requests rejected due to an active hard block",
		},
		[]string{"scope"},
	)
)

// ScopeConfig holds the token-bucket parameters for a single scope.
type ScopeConfig struct {
	MaxTokens            float64
	RefillRate           float64 // tokens per second
	ViolationLogThreshold int
	BlockThreshold       int
	BlockDuration        time.Duration
}

// Config holds the per-scope rate limiting configuration.
type Config struct {
	Scopes map[Scope]ScopeConfig
}

// DefaultConfig returns the defaults enumerated for the locker control plane.
func DefaultConfig() Config {
	return Config{
		Scopes: map[Scope]ScopeConfig{
			ScopeIP: {
				MaxTokens: 30, RefillRate: 0.5,
				ViolationLogThreshold: 3, BlockThreshold: 10, BlockDuration: 15 * time.Minute,
			},
			ScopeCard: {
				MaxTokens: 60, RefillRate: 1,
				ViolationLogThreshold: 3, BlockThreshold: 10, BlockDuration: 15 * time.Minute,
			},
			ScopeLocker: {
				MaxTokens: 6, RefillRate: 0.1,
				ViolationLogThreshold: 3, BlockThreshold: 10, BlockDuration: 15 * time.Minute,
			},
			ScopeDevice: {
				MaxTokens: 1, RefillRate: 0.05,
				ViolationLogThreshold: 3, BlockThreshold: 10, BlockDuration: 15 * time.Minute,
			},
		},
	}
}

// limiterEntry pairs a per-key rate.Limiter with the last time it was
// touched, so Cleanup can evict keys nobody has used in a while.
type limiterEntry struct {
	lim        *rate.Limiter
	lastAccess time.Time
}

// violation tracks repeated rejections for a single key.
type violation struct {
	count          int
	firstViolation time.Time
	lastViolation  time.Time
	blockedUntil   time.Time
}

func (v violation) isBlocked(now time.Time) bool {
	return !v.blockedUntil.IsZero() && now.Before(v.blockedUntil)
}

// ViolationSink receives notifications when a key crosses the
// violation-logging threshold. The audit event logger implements this.
type ViolationSink interface {
	RecordViolation(scope Scope, identity string, count int)
}

// Result describes the outcome of a Check call.
type Result struct {
	Allowed    bool
	Blocked    bool
	RetryAfter time.Duration
	Reason     string
}

// Limiter manages token buckets and violation state across scopes.
type Limiter struct {
	config Config
	sink   ViolationSink

	mu         sync.Mutex
	buckets    map[string]*limiterEntry
	violations map[string]*violation

	lastCleanup time.Time
	now         func() time.Time
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithViolationSink attaches a sink notified on repeated violations.
func WithViolationSink(sink ViolationSink) Option {
	return func(l *Limiter) { l.sink = sink }
}

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a Limiter from the given configuration.
func New(config Config, opts ...Option) *Limiter {
	l := &Limiter{
		config:      config,
		buckets:     make(map[string]*limiterEntry),
		violations:  make(map[string]*violation),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func key(scope Scope, identity string) string {
	return string(scope) + ":" + identity
}

// Check consumes one token from the bucket identified by (scope, identity).
// It returns whether the request is allowed, and if not, a retry-after hint.
func (l *Limiter) Check(scope Scope, identity string) Result {
	cfg, ok := l.config.Scopes[scope]
	if !ok {
		return Result{Allowed: true}
	}

	now := l.now()
	k := key(scope, identity)

	l.mu.Lock()
	defer l.mu.Unlock()

	if v, exists := l.violations[k]; exists && v.isBlocked(now) {
		rateLimitBlocked.WithLabelValues(string(scope)).Inc()
		return Result{
			Allowed:    false,
			Blocked:    true,
			RetryAfter: v.blockedUntil.Sub(now),
			Reason:     "temporarily blocked",
		}
	}

	e, exists := l.buckets[k]
	if !exists {
		e = &limiterEntry{lim: rate.NewLimiter(rate.Limit(cfg.RefillRate), max(1, int(cfg.MaxTokens)))}
		l.buckets[k] = e
	}
	e.lastAccess = now

	res := e.lim.ReserveN(now, 1)
	if !res.OK() {
		rateLimitExceeded.WithLabelValues(string(scope)).Inc()
		l.recordViolation(scope, identity, k, cfg, now)
		return Result{Allowed: false, Reason: "rate limit exceeded"}
	}

	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		rateLimitExceeded.WithLabelValues(string(scope)).Inc()
		l.recordViolation(scope, identity, k, cfg, now)
		return Result{Allowed: false, RetryAfter: delay, Reason: "rate limit exceeded"}
	}

	l.maybeCleanup(now)
	return Result{Allowed: true}
}

func (l *Limiter) recordViolation(scope Scope, identity, k string, cfg ScopeConfig, now time.Time) {
	v, exists := l.violations[k]
	if !exists {
		v = &violation{firstViolation: now}
		l.violations[k] = v
	}
	v.count++
	v.lastViolation = now

	if v.count >= cfg.BlockThreshold {
		v.blockedUntil = now.Add(cfg.BlockDuration)
	}

	if v.count >= cfg.ViolationLogThreshold && l.sink != nil {
		l.sink.RecordViolation(scope, identity, v.count)
	}
}

// Reset clears both bucket and violation state for a key. staffUser is
// recorded by the caller's audit trail; it is accepted here only to make
// the administrative intent explicit at call sites.
func (l *Limiter) Reset(scope Scope, identity string, staffUser string) {
	k := key(scope, identity)
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, k)
	delete(l.violations, k)
}

// Cleanup removes buckets and violations untouched for over an hour.
func (l *Limiter) Cleanup() int {
	now := l.now()
	cutoff := now.Add(-time.Hour)

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleanupLocked(cutoff)
}

func (l *Limiter) cleanupLocked(cutoff time.Time) int {
	removed := 0
	for k, e := range l.buckets {
		if e.lastAccess.Before(cutoff) {
			delete(l.buckets, k)
			removed++
		}
	}
	for k, v := range l.violations {
		if v.lastViolation.Before(cutoff) && !v.isBlocked(l.now()) {
			delete(l.violations, k)
		}
	}
	return removed
}

func (l *Limiter) maybeCleanup(now time.Time) {
	if now.Sub(l.lastCleanup) < time.Hour {
		return
	}
	l.lastCleanup = now
	l.cleanupLocked(now.Add(-time.Hour))
}

// GetClientIP extracts the real client IP from the request, honoring
// reverse-proxy headers before falling back to RemoteAddr.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			xff = xff[:idx]
		}
		xff = strings.TrimSpace(xff)
		if xff != "" {
			return xff
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// FormatKey renders a scope/identity pair for logging and admin APIs.
func FormatKey(scope Scope, identity string) string {
	return fmt.Sprintf("%s:%s", scope, identity)
}
