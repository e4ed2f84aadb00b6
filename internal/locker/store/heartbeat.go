package store

import (
	"context"
	"database/sql"

	"github.com/ManuGH/xg2g/internal/locker/model"
)

// UpsertHeartbeat records the latest heartbeat for kioskID, creating the row
// on first contact.
func (s *Store) UpsertHeartbeat(ctx context.Context, hb model.Heartbeat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kiosk_heartbeat (kiosk_id, last_seen, zone, status, version, telemetry_data, last_telemetry_update)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kiosk_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			zone = excluded.zone,
			status = excluded.status,
			version = excluded.version,
			telemetry_data = COALESCE(excluded.telemetry_data, kiosk_heartbeat.telemetry_data),
			last_telemetry_update = COALESCE(excluded.last_telemetry_update, kiosk_heartbeat.last_telemetry_update)
	`, hb.KioskID, hb.LastSeen, hb.Zone, string(hb.Status), hb.Version, hb.TelemetryData, nullTime(hb.LastTelemetryUpdate))
	return err
}

// GetHeartbeat returns the heartbeat row for kioskID, or ErrNotFound.
func (s *Store) GetHeartbeat(ctx context.Context, kioskID string) (model.Heartbeat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kiosk_id, last_seen, zone, status, version, telemetry_data, last_telemetry_update
		FROM kiosk_heartbeat WHERE kiosk_id = ?
	`, kioskID)
	return scanHeartbeat(row)
}

// ListHeartbeats returns every kiosk's heartbeat row.
func (s *Store) ListHeartbeats(ctx context.Context) ([]model.Heartbeat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kiosk_id, last_seen, zone, status, version, telemetry_data, last_telemetry_update
		FROM kiosk_heartbeat
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Heartbeat
	for rows.Next() {
		var lastSeen, lastTelemetry sql.NullTime
		var telemetry []byte
		var h model.Heartbeat
		if err := rows.Scan(&h.KioskID, &lastSeen, &h.Zone, &h.Status, &h.Version, &telemetry, &lastTelemetry); err != nil {
			return nil, err
		}
		h.LastSeen = lastSeen.Time
		h.LastTelemetryUpdate = lastTelemetry.Time
		h.TelemetryData = telemetry
		out = append(out, h)
	}
	return out, rows.Err()
}

// FleetStatus reports how many registered kiosks are currently online versus
// the total registered, feeding the fleet health checker.
func (s *Store) FleetStatus(ctx context.Context) (online, total int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kiosk_heartbeat`).Scan(&total)
	if err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kiosk_heartbeat WHERE status = 'online'`).Scan(&online)
	return online, total, err
}

// SetHeartbeatStatus updates only the connectivity status for kioskID,
// used by the fleet tracker's offline-detection sweep.
func (s *Store) SetHeartbeatStatus(ctx context.Context, kioskID string, status model.HeartbeatStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE kiosk_heartbeat SET status = ? WHERE kiosk_id = ?`, string(status), kioskID)
	if err != nil {
		return false, err
	}
	return rowsAffected(res)
}

func scanHeartbeat(row *sql.Row) (model.Heartbeat, error) {
	var h model.Heartbeat
	var lastSeen, lastTelemetry sql.NullTime
	var telemetry []byte
	err := row.Scan(&h.KioskID, &lastSeen, &h.Zone, &h.Status, &h.Version, &telemetry, &lastTelemetry)
	if err == sql.ErrNoRows {
		return model.Heartbeat{}, ErrNotFound
	}
	if err != nil {
		return model.Heartbeat{}, err
	}
	h.LastSeen = lastSeen.Time
	h.LastTelemetryUpdate = lastTelemetry.Time
	h.TelemetryData = telemetry
	return h, nil
}
