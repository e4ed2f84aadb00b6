package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckBurstThenRefill(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cfg := Config{Scopes: map[Scope]ScopeConfig{
		ScopeDevice: {MaxTokens: 1, RefillRate: 1, ViolationLogThreshold: 3, BlockThreshold: 10, BlockDuration: time.Minute},
	}}
	l := New(cfg, WithClock(clock))

	res := l.Check(ScopeDevice, "device-1")
	require.True(t, res.Allowed)

	res = l.Check(ScopeDevice, "device-1")
	require.False(t, res.Allowed)
	require.InDelta(t, time.Second, res.RetryAfter, float64(50*time.Millisecond))

	now = now.Add(time.Second)
	res = l.Check(ScopeDevice, "device-1")
	require.True(t, res.Allowed)
}

func TestCheckPerIdentityIsolation(t *testing.T) {
	cfg := Config{Scopes: map[Scope]ScopeConfig{
		ScopeIP: {MaxTokens: 2, RefillRate: 1, ViolationLogThreshold: 3, BlockThreshold: 10, BlockDuration: time.Minute},
	}}
	l := New(cfg)

	require.True(t, l.Check(ScopeIP, "1.1.1.1").Allowed)
	require.True(t, l.Check(ScopeIP, "1.1.1.1").Allowed)
	require.False(t, l.Check(ScopeIP, "1.1.1.1").Allowed)

	// a different identity has its own untouched bucket
	require.True(t, l.Check(ScopeIP, "2.2.2.2").Allowed)
}

func TestViolationTrackingAndBlock(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cfg := Config{Scopes: map[Scope]ScopeConfig{
		ScopeCard: {MaxTokens: 1, RefillRate: 0, ViolationLogThreshold: 2, BlockThreshold: 3, BlockDuration: time.Minute},
	}}

	var violations []int
	sink := sinkFunc(func(scope Scope, identity string, count int) {
		violations = append(violations, count)
	})

	l := New(cfg, WithClock(clock), WithViolationSink(sink))

	require.True(t, l.Check(ScopeCard, "card-1").Allowed) // consumes the only token

	for i := 0; i < 3; i++ {
		l.Check(ScopeCard, "card-1")
	}

	require.GreaterOrEqual(t, len(violations), 1)

	res := l.Check(ScopeCard, "card-1")
	require.False(t, res.Allowed)
	require.True(t, res.Blocked)
}

func TestReset(t *testing.T) {
	cfg := Config{Scopes: map[Scope]ScopeConfig{
		ScopeLocker: {MaxTokens: 1, RefillRate: 0, ViolationLogThreshold: 1, BlockThreshold: 1, BlockDuration: time.Minute},
	}}
	l := New(cfg)

	require.True(t, l.Check(ScopeLocker, "5").Allowed)
	require.False(t, l.Check(ScopeLocker, "5").Allowed)

	l.Reset(ScopeLocker, "5", "staff-1")

	require.True(t, l.Check(ScopeLocker, "5").Allowed)
}

func TestCleanupRemovesStaleBuckets(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	cfg := DefaultConfig()
	l := New(cfg, WithClock(clock))

	l.Check(ScopeIP, "1.1.1.1")

	now = now.Add(2 * time.Hour)
	removed := l.Cleanup()
	require.Equal(t, 1, removed)
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{
			name:       "X-Forwarded-For single IP",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Forwarded-For multiple IPs",
			headers:    map[string]string{"X-Forwarded-For": "203.0.113.1, 192.168.1.1, 10.0.0.1"},
			remoteAddr: "127.0.0.1:12345",
			want:       "203.0.113.1",
		},
		{
			name:       "X-Real-IP",
			headers:    map[string]string{"X-Real-IP": "203.0.113.2"},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.2",
		},
		{
			name:       "Fallback to RemoteAddr",
			headers:    map[string]string{},
			remoteAddr: "192.168.1.100:54321",
			want:       "192.168.1.100",
		},
		{
			name:       "X-Forwarded-For with spaces",
			headers:    map[string]string{"X-Forwarded-For": "  203.0.113.5  "},
			remoteAddr: "192.168.1.1:12345",
			want:       "203.0.113.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			req.RemoteAddr = tt.remoteAddr

			got := GetClientIP(req)
			require.Equal(t, tt.want, got)
		})
	}
}

func BenchmarkCheck(b *testing.B) {
	l := New(DefaultConfig())
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Check(ScopeIP, "192.168.1.1")
	}
}

type sinkFunc func(scope Scope, identity string, count int)

func (f sinkFunc) RecordViolation(scope Scope, identity string, count int) {
	f(scope, identity, count)
}
