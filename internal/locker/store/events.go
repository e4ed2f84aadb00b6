package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ManuGH/xg2g/internal/audit"
)

// InsertEvent implements audit.Recorder, persisting one append-only row.
func (s *Store) InsertEvent(ctx context.Context, event audit.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return err
	}

	var lockerID sql.NullInt64
	if event.LockerID != nil {
		lockerID = sql.NullInt64{Int64: int64(*event.LockerID), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.Timestamp, event.KioskID, lockerID, string(event.Type), event.RFIDCard, event.DeviceID, event.StaffUser, details)
	return err
}

// DeleteEventsOlderThan implements audit.RetentionStore. When staffEvents is
// true, only staff-typed events older than cutoff are deleted (audit_retention_days);
// otherwise only non-staff events are (event_retention_days).
func (s *Store) DeleteEventsOlderThan(ctx context.Context, cutoff time.Time, staffEvents bool) (int, error) {
	staffTypes := `'staff_open', 'bulk_open', 'master_pin_used', 'vip_assign', 'vip_release', 'force_transition'`
	op := "NOT IN"
	if staffEvents {
		op = "IN"
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM events WHERE timestamp < ? AND event_type `+op+` (`+staffTypes+`)`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AnonymizeEventsOlderThan implements audit.RetentionStore, rewriting the
// identifying columns of events older than cutoff without deleting the row.
func (s *Store) AnonymizeEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rfid_card, device_id FROM events
		WHERE timestamp < ? AND (rfid_card != '' OR device_id != '')
	`, cutoff)
	if err != nil {
		return 0, err
	}

	type target struct {
		id               int64
		rfidCard, device string
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.id, &t.rfidCard, &t.device); err != nil {
			rows.Close()
			return 0, err
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	count := 0
	for _, t := range targets {
		rfid := t.rfidCard
		if rfid != "" {
			rfid = audit.Anonymize(rfid)
		}
		device := t.device
		if device != "" {
			device = audit.Anonymize(device)
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE events SET rfid_card = ?, device_id = ? WHERE id = ?`, rfid, device, t.id); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
