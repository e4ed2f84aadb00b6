// Package audit provides the append-only event log for the locker control
// plane. It follows the WHO/WHAT/WHEN pattern: every event carries an actor
// (staff user, card, or device), an action, and a timestamp, and is written
// through structured logging before (optionally) being persisted by a Store.
package audit

import (
	"context"
	"strconv"
	"time"

	"github.com/ManuGH/xg2g/internal/log"
	"github.com/ManuGH/xg2g/internal/ratelimit"
	"github.com/rs/zerolog"
)

// EventType enumerates the event taxonomy from the data model: user
// actions, staff actions, and system events.
type EventType string

const (
	// User actions
	EventRFIDAssign  EventType = "rfid_assign"
	EventRFIDRelease EventType = "rfid_release"
	EventQRAssign    EventType = "qr_assign"
	EventQRRelease   EventType = "qr_release"
	EventAutoRelease EventType = "auto_release"

	// Staff actions
	EventStaffOpen       EventType = "staff_open"
	EventBulkOpen        EventType = "bulk_open"
	EventMasterPinUsed   EventType = "master_pin_used"
	EventVIPAssign       EventType = "vip_assign"
	EventVIPRelease      EventType = "vip_release"
	EventForceTransition EventType = "force_transition"
	EventDisplayNameChanged EventType = "display_name_changed"

	// System events
	EventSystemRestarted    EventType = "system_restarted"
	EventKioskOnline        EventType = "kiosk_online"
	EventKioskOffline       EventType = "kiosk_offline"
	EventRateLimitViolation EventType = "rate_limit_violation"
	EventHardwareError      EventType = "hardware_operation_failed"
)

// IsStaffEvent reports whether the event type belongs to the staff/audit
// family, which is retained separately (audit_retention_days vs.
// event_retention_days, see Sweep).
func (t EventType) IsStaffEvent() bool {
	switch t {
	case EventStaffOpen, EventBulkOpen, EventMasterPinUsed, EventVIPAssign,
		EventVIPRelease, EventForceTransition, EventDisplayNameChanged:
		return true
	default:
		return false
	}
}

// Event is a single append-only audit record.
type Event struct {
	ID        int64             `json:"id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	KioskID   string            `json:"kiosk_id"`
	LockerID  *int              `json:"locker_id,omitempty"`
	Type      EventType         `json:"event_type"`
	RFIDCard  string            `json:"rfid_card,omitempty"`
	DeviceID  string            `json:"device_id,omitempty"`
	StaffUser string            `json:"staff_user,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Recorder persists events. The Store implements this; audit depends only
// on the interface to avoid a cycle between the event log and storage.
type Recorder interface {
	InsertEvent(ctx context.Context, event Event) error
}

// Logger writes sanitized audit events to structured logs and, if attached,
// a persistent Recorder.
type Logger struct {
	logger   zerolog.Logger
	recorder Recorder
}

// NewLogger creates an audit logger with a dedicated "audit" component.
func NewLogger(recorder Recorder) *Logger {
	return &Logger{
		logger:   log.WithComponent("audit"),
		recorder: recorder,
	}
}

// Log sanitizes and writes an audit event.
func (l *Logger) Log(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event = sanitize(event)

	ev := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str(log.FieldEventType, string(event.Type)).
		Str(log.FieldKioskID, event.KioskID)

	if event.LockerID != nil {
		ev = ev.Int(log.FieldLockerID, *event.LockerID)
	}
	if event.RFIDCard != "" {
		ev = ev.Str(log.FieldCardID, event.RFIDCard)
	}
	if event.DeviceID != "" {
		ev = ev.Str(log.FieldDeviceID, event.DeviceID)
	}
	if event.StaffUser != "" {
		ev = ev.Str("staff_user", event.StaffUser)
	}
	for k, v := range event.Details {
		ev = ev.Str(k, v)
	}
	ev.Msg("audit event")

	if l.recorder != nil {
		if err := l.recorder.InsertEvent(ctx, event); err != nil {
			l.logger.Error().Err(err).Str(log.FieldEventType, string(event.Type)).
				Msg("failed to persist audit event")
		}
	}
}

// RFIDAssign logs an RFID card claiming a locker.
func (l *Logger) RFIDAssign(ctx context.Context, kioskID string, lockerID int, card string) {
	l.Log(ctx, Event{KioskID: kioskID, LockerID: &lockerID, Type: EventRFIDAssign, RFIDCard: card})
}

// RFIDRelease logs an RFID card releasing its locker.
func (l *Logger) RFIDRelease(ctx context.Context, kioskID string, lockerID int, card string) {
	l.Log(ctx, Event{KioskID: kioskID, LockerID: &lockerID, Type: EventRFIDRelease, RFIDCard: card})
}

// QRAssign logs a device claiming a locker via QR.
func (l *Logger) QRAssign(ctx context.Context, kioskID string, lockerID int, deviceID string) {
	l.Log(ctx, Event{KioskID: kioskID, LockerID: &lockerID, Type: EventQRAssign, DeviceID: deviceID})
}

// QRRelease logs a device releasing its locker via QR.
func (l *Logger) QRRelease(ctx context.Context, kioskID string, lockerID int, deviceID string) {
	l.Log(ctx, Event{KioskID: kioskID, LockerID: &lockerID, Type: EventQRRelease, DeviceID: deviceID})
}

// AutoRelease logs the sweeper releasing an expired reservation.
func (l *Logger) AutoRelease(ctx context.Context, kioskID string, lockerID int, reservedHours float64) {
	l.Log(ctx, Event{
		KioskID: kioskID, LockerID: &lockerID, Type: EventAutoRelease,
		Details: map[string]string{
			"triggered_by":   "auto_release",
			"reserved_hours": strconv.FormatFloat(reservedHours, 'f', 3, 64),
		},
	})
}

// StaffOpen logs a staff-initiated single-locker open.
func (l *Logger) StaffOpen(ctx context.Context, kioskID string, lockerID int, staffUser, reason string) {
	details := map[string]string{}
	if reason != "" {
		details["reason"] = reason
	}
	l.Log(ctx, Event{
		KioskID: kioskID, LockerID: &lockerID, Type: EventStaffOpen,
		StaffUser: staffUser, Details: details,
	})
}

// BulkOpen logs a staff-initiated bulk open across multiple lockers.
func (l *Logger) BulkOpen(ctx context.Context, kioskID string, staffUser string, total, success int) {
	l.Log(ctx, Event{
		KioskID: kioskID, Type: EventBulkOpen, StaffUser: staffUser,
		Details: map[string]string{
			"total":   strconv.Itoa(total),
			"success": strconv.Itoa(success),
		},
	})
}

// MasterPinUsed logs use of the admin-PIN override.
func (l *Logger) MasterPinUsed(ctx context.Context, kioskID string, staffUser string) {
	l.Log(ctx, Event{KioskID: kioskID, Type: EventMasterPinUsed, StaffUser: staffUser})
}

// VIPAssign logs a VIP locker binding change.
func (l *Logger) VIPAssign(ctx context.Context, kioskID string, lockerID int, staffUser, ownerKey string) {
	l.Log(ctx, Event{
		KioskID: kioskID, LockerID: &lockerID, Type: EventVIPAssign, StaffUser: staffUser,
		Details: map[string]string{"owner_key": ownerKey},
	})
}

// VIPRelease logs a VIP locker binding removal.
func (l *Logger) VIPRelease(ctx context.Context, kioskID string, lockerID int, staffUser string) {
	l.Log(ctx, Event{KioskID: kioskID, LockerID: &lockerID, Type: EventVIPRelease, StaffUser: staffUser})
}

// ForceTransition logs a staff override that bypasses normal guards.
func (l *Logger) ForceTransition(ctx context.Context, kioskID string, lockerID int, staffUser, newState, reason string) {
	l.Log(ctx, Event{
		KioskID: kioskID, LockerID: &lockerID, Type: EventForceTransition, StaffUser: staffUser,
		Details: map[string]string{
			"forced_transition": "true",
			"new_state":         newState,
			"reason":            reason,
		},
	})
}

// SystemRestarted logs a gateway process restart.
func (l *Logger) SystemRestarted(ctx context.Context, kioskID string) {
	l.Log(ctx, Event{KioskID: kioskID, Type: EventSystemRestarted})
}

// KioskOnline logs a kiosk transitioning from offline to online.
func (l *Logger) KioskOnline(ctx context.Context, kioskID string) {
	l.Log(ctx, Event{KioskID: kioskID, Type: EventKioskOnline})
}

// KioskOffline logs a kiosk transitioning from online to offline.
func (l *Logger) KioskOffline(ctx context.Context, kioskID string) {
	l.Log(ctx, Event{KioskID: kioskID, Type: EventKioskOffline})
}

// HardwareError logs a failed pulse/retry sequence against a locker.
func (l *Logger) HardwareError(ctx context.Context, kioskID string, lockerID int, errMsg string, attempt int) {
	l.Log(ctx, Event{
		KioskID: kioskID, LockerID: &lockerID, Type: EventHardwareError,
		Details: map[string]string{
			"error":         errMsg,
			"attempt_count": strconv.Itoa(attempt),
		},
	})
}

// RecordViolation implements ratelimit.ViolationSink, emitting a
// rate_limit_violation event once a key crosses the logging threshold.
func (l *Logger) RecordViolation(scope ratelimit.Scope, identity string, count int) {
	l.Log(context.Background(), Event{
		Type: EventRateLimitViolation,
		Details: map[string]string{
			"scope":           string(scope),
			"identity":        identity,
			"violation_count": strconv.Itoa(count),
		},
	})
}

var _ ratelimit.ViolationSink = (*Logger)(nil)
