package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInitLockerIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InitLocker(ctx, "kiosk-1", 1, false, ""))
	require.NoError(t, s.InitLocker(ctx, "kiosk-1", 1, false, ""))

	l, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusFree, l.Status)
	require.Equal(t, int64(0), l.Version)
}

func TestGetLockerNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetLocker(ctx, "kiosk-1", 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateCASAppliesThenRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InitLocker(ctx, "kiosk-1", 1, false, ""))

	l, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)

	l.Status = model.StatusOwned
	l.OwnerType = model.OwnerRFID
	l.OwnerKey = "card-1"
	l.ReservedAt = time.Now()

	ok, err := s.UpdateCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	// Same stale version should now be rejected.
	ok, err = s.UpdateCAS(ctx, l)
	require.NoError(t, err)
	require.False(t, ok)

	updated, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	require.Equal(t, model.StatusOwned, updated.Status)
	require.Equal(t, int64(1), updated.Version)
}

func TestGetAvailableExcludesVIPAndOwned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InitLocker(ctx, "kiosk-1", 1, false, ""))
	require.NoError(t, s.InitLocker(ctx, "kiosk-1", 2, true, ""))
	require.NoError(t, s.InitLocker(ctx, "kiosk-1", 3, false, ""))

	l3, err := s.GetLocker(ctx, "kiosk-1", 3)
	require.NoError(t, err)
	l3.Status = model.StatusOwned
	l3.OwnerType = model.OwnerRFID
	l3.OwnerKey = "card-x"
	ok, err := s.UpdateCAS(ctx, l3)
	require.NoError(t, err)
	require.True(t, ok)

	available, err := s.GetAvailable(ctx, "kiosk-1", nil)
	require.NoError(t, err)
	require.Len(t, available, 1)
	require.Equal(t, 1, available[0].ID)
}

func TestFindActiveOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.InitLocker(ctx, "kiosk-1", 1, false, ""))

	none, err := s.FindActiveOwnership(ctx, model.OwnerRFID, "card-1")
	require.NoError(t, err)
	require.Nil(t, none)

	l, err := s.GetLocker(ctx, "kiosk-1", 1)
	require.NoError(t, err)
	l.Status = model.StatusOwned
	l.OwnerType = model.OwnerRFID
	l.OwnerKey = "card-1"
	ok, err := s.UpdateCAS(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	found, err := s.FindActiveOwnership(ctx, model.OwnerRFID, "card-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, 1, found.ID)
}

func TestCommandLifecycleAndBackoff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Enqueue(ctx, "kiosk-1", model.CommandOpenLocker, []byte(`{"locker_id":1}`), 3)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	pending, err := s.PullPending(ctx, "kiosk-1", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkExecuting(ctx, id))

	ok, err := s.MarkFailed(ctx, id, "bus timeout")
	require.NoError(t, err)
	require.True(t, ok)

	cmds, err := s.PullPending(ctx, "kiosk-1", 10, time.Now().Add(90*time.Second))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.Equal(t, 1, cmds[0].RetryCount)
	require.WithinDuration(t, time.Now().Add(2*30*time.Second), cmds[0].NextAttemptAt, 2*time.Second)

	stats, err := s.Stats(ctx, "kiosk-1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestMarkFailedExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id, err := s.Enqueue(ctx, "kiosk-1", model.CommandOpenLocker, nil, 1)
	require.NoError(t, err)

	ok, err := s.MarkFailed(ctx, id, "bus timeout")
	require.NoError(t, err)
	require.True(t, ok)

	stats, err := s.Stats(ctx, "kiosk-1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 0, stats.Pending)
}

func TestCancelPending(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, err := s.Enqueue(ctx, "kiosk-1", model.CommandOpenLocker, nil, 3)
	require.NoError(t, err)

	n, err := s.CancelPending(ctx, "kiosk-1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	stats, err := s.Stats(ctx, "kiosk-1")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Cancelled)
}

func TestInsertEventAndRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertEvent(ctx, audit.Event{
		Timestamp: time.Now().Add(-40 * 24 * time.Hour),
		KioskID:   "kiosk-1",
		Type:      audit.EventRFIDAssign,
		RFIDCard:  "card-1",
	}))
	require.NoError(t, s.InsertEvent(ctx, audit.Event{
		Timestamp: time.Now(),
		KioskID:   "kiosk-1",
		Type:      audit.EventRFIDAssign,
		RFIDCard:  "card-2",
	}))

	n, err := s.DeleteEventsOlderThan(ctx, time.Now().Add(-30*24*time.Hour), false)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAnonymizeEventsOlderThan(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertEvent(ctx, audit.Event{
		Timestamp: time.Now().Add(-100 * 24 * time.Hour),
		KioskID:   "kiosk-1",
		Type:      audit.EventRFIDAssign,
		RFIDCard:  "card-1",
	}))

	n, err := s.AnonymizeEventsOlderThan(ctx, time.Now().Add(-90*24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestHeartbeatUpsertAndFleetStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertHeartbeat(ctx, model.Heartbeat{
		KioskID: "kiosk-1", LastSeen: time.Now(), Status: model.HeartbeatOnline,
	}))
	require.NoError(t, s.UpsertHeartbeat(ctx, model.Heartbeat{
		KioskID: "kiosk-2", LastSeen: time.Now(), Status: model.HeartbeatOffline,
	}))

	online, total, err := s.FleetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, online)
	require.Equal(t, 2, total)

	ok, err := s.SetHeartbeatStatus(ctx, "kiosk-2", model.HeartbeatOnline)
	require.NoError(t, err)
	require.True(t, ok)

	online, total, err = s.FleetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, online)
	require.Equal(t, 2, total)
}
