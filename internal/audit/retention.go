package audit

import (
	"context"
	"time"

	"github.com/ManuGH/xg2g/internal/log"
)

// RetentionPolicy configures how long events and staff/audit events are
// kept, and at what age anonymization rewrites identity columns.
type RetentionPolicy struct {
	EventRetentionDays int
	AuditRetentionDays int
	AnonymizeAfterDays int
	AnonymizeEnabled   bool
}

// DefaultRetentionPolicy matches the defaults enumerated for the event log.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		EventRetentionDays: 30,
		AuditRetentionDays: 90,
		AnonymizeAfterDays: 90,
		AnonymizeEnabled:   true,
	}
}

// RetentionStore is implemented by the persistence layer to support the
// sweep; audit depends only on this interface, not on the store package.
type RetentionStore interface {
	DeleteEventsOlderThan(ctx context.Context, cutoff time.Time, staffEvents bool) (int, error)
	AnonymizeEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper runs the retention and anonymization passes on a fixed interval.
// It mirrors the cache package's janitor: a ticker loop cancellable via
// context, with the sweep logic split out for direct testing.
type Sweeper struct {
	store    RetentionStore
	policy   RetentionPolicy
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a Sweeper against the given store and policy.
func NewSweeper(store RetentionStore, policy RetentionPolicy, interval time.Duration) *Sweeper {
	return &Sweeper{store: store, policy: policy, interval: interval, now: time.Now}
}

// Run blocks, sweeping on every tick until ctx is cancelled. The last
// in-flight sweep is allowed to finish; no new one starts after cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single retention and anonymization pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	logger := log.WithComponent("audit.retention")
	now := s.now()

	eventCutoff := now.AddDate(0, 0, -s.policy.EventRetentionDays)
	if n, err := s.store.DeleteEventsOlderThan(ctx, eventCutoff, false); err != nil {
		logger.Error().Err(err).Msg("event retention sweep failed")
	} else if n > 0 {
		logger.Info().Int("deleted", n).Str(log.FieldEvent, "retention.events").Msg("retention sweep")
	}

	auditCutoff := now.AddDate(0, 0, -s.policy.AuditRetentionDays)
	if n, err := s.store.DeleteEventsOlderThan(ctx, auditCutoff, true); err != nil {
		logger.Error().Err(err).Msg("audit retention sweep failed")
	} else if n > 0 {
		logger.Info().Int("deleted", n).Str(log.FieldEvent, "retention.audit_events").Msg("retention sweep")
	}

	if !s.policy.AnonymizeEnabled {
		return
	}
	anonCutoff := now.AddDate(0, 0, -s.policy.AnonymizeAfterDays)
	if n, err := s.store.AnonymizeEventsOlderThan(ctx, anonCutoff); err != nil {
		logger.Error().Err(err).Msg("anonymization sweep failed")
	} else if n > 0 {
		logger.Info().Int("anonymized", n).Str(log.FieldEvent, "retention.anonymize").Msg("retention sweep")
	}
}
