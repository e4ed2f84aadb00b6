package userflow

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/ManuGH/xg2g/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

type fakeManager struct {
	mu       sync.Mutex
	lockers  map[string]model.Locker
	owned    map[string]*model.Locker // ownerKey -> locker, only rfid owners for simplicity
	assigns  int
	releases int
}

func key(kioskID string, id int) string { return kioskID + ":" + strconv.Itoa(id) }

func newFakeManager() *fakeManager {
	return &fakeManager{lockers: make(map[string]model.Locker), owned: make(map[string]*model.Locker)}
}

func (m *fakeManager) seed(l model.Locker) {
	m.lockers[key(l.KioskID, l.ID)] = l
}

func (m *fakeManager) GetLocker(_ context.Context, kioskID string, id int) (model.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockers[key(kioskID, id)], nil
}

func (m *fakeManager) Assign(_ context.Context, kioskID string, id int, ownerType model.OwnerType, ownerKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(kioskID, id)
	l, ok := m.lockers[k]
	if !ok || l.HasOwner() || l.IsVIP {
		return false, nil
	}
	l.OwnerType = ownerType
	l.OwnerKey = ownerKey
	l.Status = model.StatusOwned
	m.lockers[k] = l
	m.assigns++
	return true, nil
}

func (m *fakeManager) Release(_ context.Context, kioskID string, id int, ownerKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(kioskID, id)
	l, ok := m.lockers[k]
	if !ok || l.OwnerKey != ownerKey {
		return false, nil
	}
	l.OwnerType = model.OwnerNone
	l.OwnerKey = ""
	l.Status = model.StatusFree
	m.lockers[k] = l
	m.releases++
	return true, nil
}

func (m *fakeManager) ConfirmOpening(_ context.Context, kioskID string, id int, ownerKey string) (bool, error) {
	return true, nil
}

func (m *fakeManager) ReportHardwareError(_ context.Context, kioskID string, id int) (bool, error) {
	return true, nil
}

func (m *fakeManager) GetAvailable(_ context.Context, kioskID string, _ []int) ([]model.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Locker
	for _, l := range m.lockers {
		if l.KioskID == kioskID && l.AvailableForAssignment() {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *fakeManager) CheckExistingOwnership(_ context.Context, ownerKey string, ownerType model.OwnerType) (*model.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lockers {
		if l.OwnerKey == ownerKey && l.OwnerType == ownerType && (l.Status == model.StatusOwned || l.Status == model.StatusOpening) {
			cp := l
			return &cp, nil
		}
	}
	return nil, nil
}

type fakeHardware struct {
	mu     sync.Mutex
	fail   bool
	opened []int
}

func (h *fakeHardware) OpenLocker(_ context.Context, _ string, lockerID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opened = append(h.opened, lockerID)
	return !h.fail
}

type fakeBcast struct {
	mu      sync.Mutex
	updates []SessionUpdate
}

func (b *fakeBcast) PublishSessionUpdate(u SessionUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, u)
}

func newService(mgr *fakeManager, hw *fakeHardware, bcast Broadcaster) *Service {
	limiter := ratelimit.New(ratelimit.DefaultConfig())
	return New(mgr, hw, limiter, audit.NewLogger(nil), bcast, nil, DefaultConfig())
}

func TestHandleCardScanShowsAvailableThenSelectionAssigns(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 1, Status: model.StatusFree})
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 2, Status: model.StatusFree})
	hw := &fakeHardware{}
	bcast := &fakeBcast{}
	svc := newService(mgr, hw, bcast)

	res, err := svc.HandleCardScan(context.Background(), "kiosk-1", "card-1", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, ActionShowAvailable, res.Action)
	require.Len(t, res.AvailableLockers, 2)

	sel, err := svc.HandleLockerSelection(context.Background(), "kiosk-1", "card-1", 1)
	require.NoError(t, err)
	require.Equal(t, ActionAssigned, sel.Action)
	require.Contains(t, hw.opened, 1)
}

func TestHandleCardScanReleasesExistingOwnership(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 5, Status: model.StatusOwned, OwnerType: model.OwnerRFID, OwnerKey: "card-1"})
	hw := &fakeHardware{}
	svc := newService(mgr, hw, nil)

	res, err := svc.HandleCardScan(context.Background(), "kiosk-1", "card-1", "10.0.0.1")
	require.NoError(t, err)
	require.Equal(t, ActionReleased, res.Action)
	require.Equal(t, 5, res.LockerID)
}

func TestHandleCardScanCancelsPriorSessionOnSameKiosk(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 1, Status: model.StatusFree})
	hw := &fakeHardware{}
	bcast := &fakeBcast{}
	svc := newService(mgr, hw, bcast)

	_, err := svc.HandleCardScan(context.Background(), "kiosk-1", "card-A", "10.0.0.1")
	require.NoError(t, err)
	_, err = svc.HandleCardScan(context.Background(), "kiosk-1", "card-B", "10.0.0.2")
	require.NoError(t, err)

	_, err = svc.HandleLockerSelection(context.Background(), "kiosk-1", "card-A", 1)
	require.ErrorIs(t, err, ErrNoActiveSession)

	bcast.mu.Lock()
	defer bcast.mu.Unlock()
	var sawCancelled bool
	for _, u := range bcast.updates {
		if u.Status == model.SessionCancelled {
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled)
}

func TestHandleCardScanHardwareFailureOnSelection(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 1, Status: model.StatusFree})
	hw := &fakeHardware{fail: true}
	svc := newService(mgr, hw, nil)

	_, err := svc.HandleCardScan(context.Background(), "kiosk-1", "card-1", "10.0.0.1")
	require.NoError(t, err)
	sel, err := svc.HandleLockerSelection(context.Background(), "kiosk-1", "card-1", 1)
	require.NoError(t, err)
	require.Equal(t, ActionHardwareError, sel.Action)
}

func TestSessionSweepExpiresAndPublishes(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 1, Status: model.StatusFree})
	bcast := &fakeBcast{}
	cfg := Config{SessionTimeout: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond}
	svc := New(mgr, &fakeHardware{}, ratelimit.New(ratelimit.DefaultConfig()), audit.NewLogger(nil), bcast, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	defer svc.Stop()

	_, err := svc.HandleCardScan(context.Background(), "kiosk-1", "card-1", "10.0.0.1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		bcast.mu.Lock()
		defer bcast.mu.Unlock()
		for _, u := range bcast.updates {
			if u.Status == model.SessionExpired {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestHandleQrRequestVIPRejected(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 5, Status: model.StatusFree, IsVIP: true})
	svc := newService(mgr, &fakeHardware{}, nil)

	res, err := svc.HandleQrRequest(context.Background(), "kiosk-1", 5, "device-abc", "192.168.1.10")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 423, res.StatusCode)
}

func TestHandleQrRequestAssignsThenReleases(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 1, Status: model.StatusFree})
	svc := newService(mgr, &fakeHardware{}, nil)

	res, err := svc.HandleQrRequest(context.Background(), "kiosk-1", 1, "device-1", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, ActionAssigned, res.Action)

	// The device scope holds a single token; clear it so the second request
	// reaches the release path instead of being rate limited.
	svc.limiter.Reset(ratelimit.ScopeDevice, "device-1", "test")
	res, err = svc.HandleQrRequest(context.Background(), "kiosk-1", 1, "device-1", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, ActionReleased, res.Action)
}

func TestHandleQrRequestConflictWhenOwnedByAnother(t *testing.T) {
	mgr := newFakeManager()
	mgr.seed(model.Locker{KioskID: "kiosk-1", ID: 1, Status: model.StatusOwned, OwnerType: model.OwnerDevice, OwnerKey: "device-1"})
	svc := newService(mgr, &fakeHardware{}, nil)

	res, err := svc.HandleQrRequest(context.Background(), "kiosk-1", 1, "device-2", "10.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Equal(t, 409, res.StatusCode)
}
