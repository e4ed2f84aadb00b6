// Package fleet tracks kiosk connectivity (§4.5): it records heartbeats,
// derives online/offline status from a staleness threshold, and emits
// kiosk_online / kiosk_offline audit events on every transition.
package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/ManuGH/xg2g/internal/locker/store"
	"github.com/ManuGH/xg2g/internal/log"
	"github.com/rs/zerolog"
)

// Config tunes the offline-detection threshold and sweep cadence.
type Config struct {
	OfflineThreshold time.Duration
	SweepInterval    time.Duration
}

// DefaultConfig matches the spec's documented heartbeat defaults.
func DefaultConfig() Config {
	return Config{
		OfflineThreshold: 30 * time.Second,
		SweepInterval:    5 * time.Second,
	}
}

// Tracker is the fleet heartbeat / health layer.
type Tracker struct {
	store  *store.Store
	audit  *audit.Logger
	cfg    Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Tracker.
func New(s *store.Store, auditLogger *audit.Logger, cfg Config) *Tracker {
	return &Tracker{
		store:  s,
		audit:  auditLogger,
		cfg:    cfg,
		logger: log.WithComponent("fleet"),
	}
}

// RecordHeartbeat upserts kioskID's heartbeat and emits kiosk_online if the
// kiosk was previously offline or unseen.
func (t *Tracker) RecordHeartbeat(ctx context.Context, kioskID, zone, version string, telemetry []byte) error {
	prev, err := t.store.GetHeartbeat(ctx, kioskID)
	wasOffline := err == store.ErrNotFound || prev.Status == model.HeartbeatOffline
	if err != nil && err != store.ErrNotFound {
		return err
	}

	now := time.Now()
	hb := model.Heartbeat{
		KioskID:  kioskID,
		LastSeen: now,
		Zone:     zone,
		Status:   model.HeartbeatOnline,
		Version:  version,
	}
	if telemetry != nil {
		hb.TelemetryData = telemetry
		hb.LastTelemetryUpdate = now
	}
	if err := t.store.UpsertHeartbeat(ctx, hb); err != nil {
		return err
	}

	if wasOffline {
		t.audit.KioskOnline(ctx, kioskID)
	}
	return nil
}

// FleetStatus reports online/total kiosk counts.
func (t *Tracker) FleetStatus(ctx context.Context) (online, total int, err error) {
	return t.store.FleetStatus(ctx)
}

// Start launches the periodic offline-detection sweep.
func (t *Tracker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop cancels the sweep loop and waits for the in-flight iteration to finish.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *Tracker) sweepOnce() {
	heartbeats, err := t.store.ListHeartbeats(t.ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("list heartbeats for offline sweep failed")
		return
	}

	now := time.Now()
	for _, hb := range heartbeats {
		if hb.Status != model.HeartbeatOnline {
			continue
		}
		if !hb.Stale(t.cfg.OfflineThreshold, now) {
			continue
		}
		changed, err := t.store.SetHeartbeatStatus(t.ctx, hb.KioskID, model.HeartbeatOffline)
		if err != nil {
			t.logger.Error().Err(err).Str("kiosk_id", hb.KioskID).Msg("mark kiosk offline failed")
			continue
		}
		if changed {
			t.audit.KioskOffline(t.ctx, hb.KioskID)
		}
	}
}
