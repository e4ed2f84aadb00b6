package audit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/xg2g/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeRecorder) InsertEvent(ctx context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeRecorder) all() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestLogPersistsThroughRecorder(t *testing.T) {
	rec := &fakeRecorder{}
	logger := NewLogger(rec)

	lockerID := 5
	logger.Log(context.Background(), Event{
		KioskID:  "kiosk-1",
		LockerID: &lockerID,
		Type:     EventStaffOpen,
		Details:  map[string]string{"reason": "maintenance"},
	})

	events := rec.all()
	require.Len(t, events, 1)
	require.Equal(t, EventStaffOpen, events[0].Type)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestLogSanitizesDetails(t *testing.T) {
	rec := &fakeRecorder{}
	logger := NewLogger(rec)

	longUA := strings.Repeat("a", 150)
	logger.Log(context.Background(), Event{
		KioskID: "kiosk-1",
		Type:    EventKioskOnline,
		Details: map[string]string{
			"ip_address": "192.168.1.10",
			"user_agent": longUA,
		},
	})

	events := rec.all()
	require.Len(t, events, 1)
	require.True(t, strings.HasPrefix(events[0].Details["ip_address"], "hash_"))
	require.Len(t, events[0].Details["ip_address"], len("hash_")+16)
	require.True(t, strings.HasSuffix(events[0].Details["user_agent"], "..."))
	require.Len(t, events[0].Details["user_agent"], uaMaxLen+3)
}

func TestTypedHelpers(t *testing.T) {
	rec := &fakeRecorder{}
	logger := NewLogger(rec)
	ctx := context.Background()

	logger.RFIDAssign(ctx, "kiosk-1", 1, "card-1")
	logger.RFIDRelease(ctx, "kiosk-1", 1, "card-1")
	logger.QRAssign(ctx, "kiosk-1", 2, "device-1")
	logger.QRRelease(ctx, "kiosk-1", 2, "device-1")
	logger.AutoRelease(ctx, "kiosk-1", 3, 1.5)
	logger.StaffOpen(ctx, "kiosk-1", 4, "staff-1", "test")
	logger.BulkOpen(ctx, "kiosk-1", "staff-1", 5, 4)
	logger.MasterPinUsed(ctx, "kiosk-1", "staff-1")
	logger.VIPAssign(ctx, "kiosk-1", 6, "staff-1", "vip-card")
	logger.VIPRelease(ctx, "kiosk-1", 6, "staff-1")
	logger.ForceTransition(ctx, "kiosk-1", 7, "staff-1", "Free", "stuck door")
	logger.SystemRestarted(ctx, "kiosk-1")
	logger.KioskOnline(ctx, "kiosk-1")
	logger.KioskOffline(ctx, "kiosk-1")
	logger.HardwareError(ctx, "kiosk-1", 8, "bus timeout", 2)

	events := rec.all()
	require.Len(t, events, 15)
}

func TestIsStaffEvent(t *testing.T) {
	require.True(t, EventStaffOpen.IsStaffEvent())
	require.True(t, EventBulkOpen.IsStaffEvent())
	require.False(t, EventRFIDAssign.IsStaffEvent())
	require.False(t, EventKioskOnline.IsStaffEvent())
}

func TestRecordViolationImplementsSink(t *testing.T) {
	rec := &fakeRecorder{}
	logger := NewLogger(rec)

	var sink ratelimit.ViolationSink = logger
	sink.RecordViolation(ratelimit.ScopeIP, "1.2.3.4", 5)

	events := rec.all()
	require.Len(t, events, 1)
	require.Equal(t, EventRateLimitViolation, events[0].Type)
}

type fakeRetentionStore struct {
	deleted     int
	anonymized  int
	deleteErr   error
	anonymizeErr error
}

func (f *fakeRetentionStore) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time, staffEvents bool) (int, error) {
	if f.deleteErr != nil {
		return 0, f.deleteErr
	}
	return f.deleted, nil
}

func (f *fakeRetentionStore) AnonymizeEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if f.anonymizeErr != nil {
		return 0, f.anonymizeErr
	}
	return f.anonymized, nil
}

func TestSweepOnce(t *testing.T) {
	store := &fakeRetentionStore{deleted: 3, anonymized: 2}
	sweeper := NewSweeper(store, DefaultRetentionPolicy(), time.Minute)

	sweeper.SweepOnce(context.Background())
}

func TestHashIPDeterministic(t *testing.T) {
	a := HashIP("10.0.0.1")
	b := HashIP("10.0.0.1")
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, "hash_"))
}

func TestAnonymizeDeterministic(t *testing.T) {
	a := Anonymize("device-123")
	b := Anonymize("device-123")
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(a, "anon_"))
}
