// Package manager implements the Locker State Manager (LSM): the in-process
// authority over the locker state machine. It composes the store's CAS
// primitives with the lifecycle transition table, emits audit events and
// broadcast updates for every successful mutation, and runs the auto-release
// sweep.
package manager

import (
	"context"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
	"github.com/ManuGH/xg2g/internal/locker/lifecycle"
	"github.com/ManuGH/xg2g/internal/locker/model"
	"github.com/ManuGH/xg2g/internal/locker/store"
	"github.com/ManuGH/xg2g/internal/metrics"
)

// Broadcaster publishes a locker state change to connected operator views.
// The manager depends only on this interface to avoid a cycle with the
// broadcast package, which in turn reads locker state through the manager.
type Broadcaster interface {
	PublishStateUpdate(StateUpdate)
}

// StateUpdate is the payload of a state_update broadcast message.
type StateUpdate struct {
	KioskID     string
	LockerID    int
	Status      model.Status
	OwnerType   model.OwnerType
	OwnerKey    string
	DisplayName string
	IsVIP       bool
	LastChanged time.Time
}

// Manager is the Locker State Manager. A nil Broadcaster is valid and skips
// publishing.
type Manager struct {
	store            *store.Store
	audit            *audit.Logger
	broadcaster      Broadcaster
	autoReleaseHours float64
}

// New constructs a Manager. autoReleaseHours <= 0 disables the auto-release
// sweeper by default (CleanupExpiredReservations then only acts when called
// with an explicit override).
func New(s *store.Store, auditLogger *audit.Logger, broadcaster Broadcaster, autoReleaseHours float64) *Manager {
	return &Manager{
		store:            s,
		audit:            auditLogger,
		broadcaster:      broadcaster,
		autoReleaseHours: autoReleaseHours,
	}
}

// mutate reads the current locker, asks guard to decide whether and how to
// mutate it, and applies the result under the store's CAS predicate. It
// retries once on a version conflict (a concurrent writer winning the
// race), matching the propagation policy for VersionConflict in the error
// design. guard returns apply=false to reject the transition without error;
// a non-nil error short-circuits.
func (m *Manager) mutate(ctx context.Context, kioskID string, id int, guard func(model.Locker) (model.Locker, bool)) (before, after model.Locker, applied bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		current, getErr := m.store.GetLocker(ctx, kioskID, id)
		if getErr != nil {
			return model.Locker{}, model.Locker{}, false, getErr
		}
		next, ok := guard(current)
		if !ok {
			return current, model.Locker{}, false, nil
		}
		casOK, casErr := m.store.UpdateCAS(ctx, next)
		if casErr != nil {
			return current, model.Locker{}, false, casErr
		}
		if casOK {
			next.Version = current.Version + 1
			return current, next, true, nil
		}
		// Lost the CAS race; retry once against the fresh row.
	}
	return model.Locker{}, model.Locker{}, false, store.ErrVersionConflict
}

// recordStateMetric updates the per-kiosk state distribution gauge when a
// mutation changes a locker's status.
func recordStateMetric(before, after model.Locker) {
	if before.Status == after.Status {
		return
	}
	if before.Status != "" {
		metrics.LockerState.WithLabelValues(before.KioskID, string(before.Status)).Dec()
	}
	metrics.LockerState.WithLabelValues(after.KioskID, string(after.Status)).Inc()
}

func (m *Manager) emitStateUpdate(before, l model.Locker) {
	recordStateMetric(before, l)
	if m.broadcaster == nil {
		return
	}
	m.broadcaster.PublishStateUpdate(StateUpdate{
		KioskID:     l.KioskID,
		LockerID:    l.ID,
		Status:      l.Status,
		OwnerType:   l.OwnerType,
		OwnerKey:    l.OwnerKey,
		DisplayName: l.DisplayName,
		IsVIP:       l.IsVIP,
		LastChanged: l.UpdatedAt,
	})
}

// Assign claims a Free, non-VIP locker for (ownerType, ownerKey). Returns
// false without error if the locker isn't eligible or the owner already
// holds another locker.
func (m *Manager) Assign(ctx context.Context, kioskID string, id int, ownerType model.OwnerType, ownerKey string) (bool, error) {
	existing, err := m.store.FindActiveOwnership(ctx, ownerType, ownerKey)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	before, after, applied, err := m.mutate(ctx, kioskID, id, func(l model.Locker) (model.Locker, bool) {
		if l.IsVIP {
			return model.Locker{}, false
		}
		to, ok := lifecycle.Next(l.Status, lifecycle.TriggerAssign)
		if !ok {
			return model.Locker{}, false
		}
		l.Status = to
		l.OwnerType = ownerType
		l.OwnerKey = ownerKey
		l.ReservedAt = time.Now()
		return l, true
	})
	if err != nil || !applied {
		return false, err
	}

	m.emitStateUpdate(before, after)
	switch ownerType {
	case model.OwnerRFID:
		m.audit.RFIDAssign(ctx, kioskID, id, ownerKey)
	case model.OwnerDevice:
		m.audit.QRAssign(ctx, kioskID, id, ownerKey)
	}
	return true, nil
}

// Release returns a locker to Free iff ownerKey matches the current owner.
func (m *Manager) Release(ctx context.Context, kioskID string, id int, ownerKey string) (bool, error) {
	before, applied, err := m.release(ctx, kioskID, id, ownerKey)
	if err != nil || !applied {
		return applied, err
	}
	switch before.OwnerType {
	case model.OwnerRFID:
		m.audit.RFIDRelease(ctx, kioskID, id, ownerKey)
	case model.OwnerDevice:
		m.audit.QRRelease(ctx, kioskID, id, ownerKey)
	}
	return true, nil
}

// release performs the CAS release and broadcast without choosing an audit
// event, so the auto-release sweep can emit auto_release instead of
// rfid/qr_release for the same underlying mutation.
func (m *Manager) release(ctx context.Context, kioskID string, id int, ownerKey string) (before model.Locker, applied bool, err error) {
	before, after, applied, err := m.mutate(ctx, kioskID, id, func(l model.Locker) (model.Locker, bool) {
		if l.OwnerKey != ownerKey {
			return model.Locker{}, false
		}
		to, ok := lifecycle.Next(l.Status, lifecycle.TriggerRelease)
		if !ok {
			return model.Locker{}, false
		}
		l.Status = to
		l.OwnerType = model.OwnerNone
		l.OwnerKey = ""
		l.ReservedAt = time.Time{}
		l.OwnedAt = time.Time{}
		return l, true
	})
	if err != nil || !applied {
		return before, false, err
	}
	m.emitStateUpdate(before, after)
	return before, true, nil
}

// ConfirmOpening moves an Owned locker to Opening once the executor reports
// a successful pulse, recording owned_at.
func (m *Manager) ConfirmOpening(ctx context.Context, kioskID string, id int, ownerKey string) (bool, error) {
	before, after, applied, err := m.mutate(ctx, kioskID, id, func(l model.Locker) (model.Locker, bool) {
		if l.OwnerKey != ownerKey {
			return model.Locker{}, false
		}
		to, ok := lifecycle.Next(l.Status, lifecycle.TriggerConfirmOpening)
		if !ok {
			return model.Locker{}, false
		}
		l.Status = to
		l.OwnedAt = time.Now()
		return l, true
	})
	if err != nil || !applied {
		return false, err
	}
	m.emitStateUpdate(before, after)
	return true, nil
}

// ReportHardwareError transitions Opening -> Error after the hardware
// executor exhausts its retries. Used by the Hardware Executor, not
// user-facing flows.
func (m *Manager) ReportHardwareError(ctx context.Context, kioskID string, id int) (bool, error) {
	before, after, applied, err := m.mutate(ctx, kioskID, id, func(l model.Locker) (model.Locker, bool) {
		to, ok := lifecycle.Next(l.Status, lifecycle.TriggerHardwareError)
		if !ok {
			return model.Locker{}, false
		}
		l.Status = to
		return l, true
	})
	if err != nil || !applied {
		return false, err
	}
	m.emitStateUpdate(before, after)
	return true, nil
}

// RecoverFromError clears an Error locker back to Free, either by staff
// action or automatically after a clean open by the executor.
func (m *Manager) RecoverFromError(ctx context.Context, kioskID string, id int) (bool, error) {
	before, after, applied, err := m.mutate(ctx, kioskID, id, func(l model.Locker) (model.Locker, bool) {
		to, ok := lifecycle.Next(l.Status, lifecycle.TriggerRecover)
		if !ok {
			return model.Locker{}, false
		}
		l.Status = to
		l.OwnerType = model.OwnerNone
		l.OwnerKey = ""
		l.ReservedAt = time.Time{}
		l.OwnedAt = time.Time{}
		return l, true
	})
	if err != nil || !applied {
		return false, err
	}
	m.emitStateUpdate(before, after)
	return true, nil
}

// ForceTransition is a staff-only override that bypasses every guard. It is
// always audit logged with forced_transition: true.
func (m *Manager) ForceTransition(ctx context.Context, kioskID string, id int, newState model.Status, staffUser, reason string) (bool, error) {
	before, after, applied, err := m.mutate(ctx, kioskID, id, func(l model.Locker) (model.Locker, bool) {
		l.Status = newState
		if newState == model.StatusFree {
			l.OwnerType = model.OwnerNone
			l.OwnerKey = ""
			l.ReservedAt = time.Time{}
			l.OwnedAt = time.Time{}
		}
		return l, true
	})
	if err != nil || !applied {
		return false, err
	}
	m.emitStateUpdate(before, after)
	m.audit.ForceTransition(ctx, kioskID, id, staffUser, string(newState), reason)
	return true, nil
}

// SetDisplayName renames a locker. Callers are expected to have already
// validated and uniqueness-checked the name (internal/displayname); the
// manager only applies the CAS write and logs the mutation.
func (m *Manager) SetDisplayName(ctx context.Context, kioskID string, id int, staffUser, name string) (bool, error) {
	before, after, applied, err := m.mutate(ctx, kioskID, id, func(l model.Locker) (model.Locker, bool) {
		l.DisplayName = name
		return l, true
	})
	if err != nil || !applied {
		return false, err
	}
	m.emitStateUpdate(before, after)
	m.audit.Log(ctx, audit.Event{
		Type:      audit.EventDisplayNameChanged,
		KioskID:   kioskID,
		LockerID:  &id,
		StaffUser: staffUser,
		Details:   map[string]string{"display_name": name},
	})
	return true, nil
}

// GetLocker returns the current row for (kioskID, id), used by user-flow
// services that need to branch on ownership/VIP status before mutating.
func (m *Manager) GetLocker(ctx context.Context, kioskID string, id int) (model.Locker, error) {
	return m.store.GetLocker(ctx, kioskID, id)
}

// GetAvailable returns Free, non-VIP lockers for kioskID, ordered by id.
func (m *Manager) GetAvailable(ctx context.Context, kioskID string, allowedIDs []int) ([]model.Locker, error) {
	return m.store.GetAvailable(ctx, kioskID, allowedIDs)
}

// GetOldestAvailable returns the Free, non-VIP locker with the oldest
// updated_at, used to spread wear across hardware.
func (m *Manager) GetOldestAvailable(ctx context.Context, kioskID string, allowedIDs []int) (*model.Locker, error) {
	return m.store.GetOldestAvailable(ctx, kioskID, allowedIDs)
}

// CheckExistingOwnership returns the active (Owned or Opening) locker held
// by (ownerKey, ownerType), if any.
func (m *Manager) CheckExistingOwnership(ctx context.Context, ownerKey string, ownerType model.OwnerType) (*model.Locker, error) {
	return m.store.FindActiveOwnership(ctx, ownerType, ownerKey)
}

// ValidateOwnership reports whether ownerKey currently owns (kioskID, id).
func (m *Manager) ValidateOwnership(ctx context.Context, kioskID string, id int, ownerKey string, ownerType model.OwnerType) (bool, error) {
	l, err := m.store.GetLocker(ctx, kioskID, id)
	if err == store.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.OwnerType == ownerType && l.OwnerKey == ownerKey, nil
}

// CleanupExpiredReservations releases every Owned locker whose reserved_at
// is older than the configured auto_release_hours (or overrideHours, if
// given), emitting an auto_release event per release. It returns the number
// of lockers released.
func (m *Manager) CleanupExpiredReservations(ctx context.Context, overrideHours *float64) (int, error) {
	hours := m.autoReleaseHours
	if overrideHours != nil {
		hours = *overrideHours
	}
	if hours <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-time.Duration(hours * float64(time.Hour)))
	expired, err := m.store.ListExpiredReservations(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, l := range expired {
		reservedHours := time.Since(l.ReservedAt).Hours()
		before, applied, err := m.release(ctx, l.KioskID, l.ID, l.OwnerKey)
		if err != nil {
			return released, err
		}
		if !applied {
			continue
		}
		m.audit.AutoRelease(ctx, before.KioskID, before.ID, reservedHours)
		released++
	}
	return released, nil
}
