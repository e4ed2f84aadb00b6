package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ManuGH/xg2g/internal/locker/model"
)

// InitLocker inserts a locker row if one doesn't already exist for
// (kioskID, id). Called once per kiosk initialization; a no-op on restart.
func (s *Store) InitLocker(ctx context.Context, kioskID string, id int, isVIP bool, displayName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lockers (kiosk_id, id, status, owner_type, owner_key, version, is_vip, display_name, updated_at)
		VALUES (?, ?, 'Free', 'none', '', 0, ?, ?, ?)
		ON CONFLICT(kiosk_id, id) DO NOTHING
	`, kioskID, id, boolToInt(isVIP), displayName, time.Now())
	return err
}

// GetLocker returns the current row for (kioskID, id), or ErrNotFound.
func (s *Store) GetLocker(ctx context.Context, kioskID string, id int) (model.Locker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, version, is_vip, display_name, updated_at
		FROM lockers WHERE kiosk_id = ? AND id = ?
	`, kioskID, id)
	return scanLocker(row)
}

// UpdateCAS applies the mutated locker fields iff the stored version still
// matches locker.Version, then bumps version by one. A false result with no
// error means a concurrent writer won; the caller re-reads and retries once.
func (s *Store) UpdateCAS(ctx context.Context, locker model.Locker) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lockers
		SET status = ?, owner_type = ?, owner_key = ?, reserved_at = ?, owned_at = ?,
		    version = version + 1, display_name = ?, updated_at = ?
		WHERE kiosk_id = ? AND id = ? AND version = ?
	`,
		string(locker.Status), string(locker.OwnerType), locker.OwnerKey,
		nullTime(locker.ReservedAt), nullTime(locker.OwnedAt),
		locker.DisplayName, time.Now(),
		locker.KioskID, locker.ID, locker.Version,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetAvailable returns Free, non-VIP lockers for kioskID ordered by id.
// When allowedIDs is non-empty, results are restricted to that set.
func (s *Store) GetAvailable(ctx context.Context, kioskID string, allowedIDs []int) ([]model.Locker, error) {
	query := `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, version, is_vip, display_name, updated_at
		FROM lockers WHERE kiosk_id = ? AND status = 'Free' AND is_vip = 0
	`
	args := []any{kioskID}
	query, args = appendAllowedIDsFilter(query, args, allowedIDs)
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLockers(rows)
}

// GetOldestAvailable returns the Free, non-VIP locker with the smallest
// updated_at (tie-broken by id), used to spread wear across hardware.
func (s *Store) GetOldestAvailable(ctx context.Context, kioskID string, allowedIDs []int) (*model.Locker, error) {
	query := `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, version, is_vip, display_name, updated_at
		FROM lockers WHERE kiosk_id = ? AND status = 'Free' AND is_vip = 0
	`
	args := []any{kioskID}
	query, args = appendAllowedIDsFilter(query, args, allowedIDs)
	query += " ORDER BY updated_at ASC, id ASC LIMIT 1"

	row := s.db.QueryRowContext(ctx, query, args...)
	l, err := scanLocker(row)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// FindActiveOwnership returns the Owned or Opening locker currently held by
// (ownerType, ownerKey), if any.
func (s *Store) FindActiveOwnership(ctx context.Context, ownerType model.OwnerType, ownerKey string) (*model.Locker, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, version, is_vip, display_name, updated_at
		FROM lockers
		WHERE owner_type = ? AND owner_key = ? AND status IN ('Owned', 'Opening')
		LIMIT 1
	`, string(ownerType), ownerKey)
	l, err := scanLocker(row)
	if err == ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListExpiredReservations returns Owned lockers whose reserved_at predates
// cutoff, candidates for the auto-release sweep.
func (s *Store) ListExpiredReservations(ctx context.Context, cutoff time.Time) ([]model.Locker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, version, is_vip, display_name, updated_at
		FROM lockers WHERE status = 'Owned' AND reserved_at IS NOT NULL AND reserved_at <= ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLockers(rows)
}

// DisplayNameTaken reports whether a display name is already used by another
// locker on the same kiosk, compared case- and whitespace-insensitively.
func (s *Store) DisplayNameTaken(ctx context.Context, kioskID, normalizedName string, excludeID int) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM lockers
		WHERE kiosk_id = ? AND id != ? AND LOWER(TRIM(display_name)) = ? AND display_name != ''
	`, kioskID, excludeID, normalizedName).Scan(&count)
	return count > 0, err
}

func scanLocker(row *sql.Row) (model.Locker, error) {
	var l model.Locker
	var reservedAt, ownedAt, updatedAt sql.NullTime
	var isVIP int
	err := row.Scan(&l.KioskID, &l.ID, &l.Status, &l.OwnerType, &l.OwnerKey,
		&reservedAt, &ownedAt, &l.Version, &isVIP, &l.DisplayName, &updatedAt)
	if err == sql.ErrNoRows {
		return model.Locker{}, ErrNotFound
	}
	if err != nil {
		return model.Locker{}, err
	}
	l.ReservedAt = reservedAt.Time
	l.OwnedAt = ownedAt.Time
	l.UpdatedAt = updatedAt.Time
	l.IsVIP = isVIP != 0
	return l, nil
}

func scanLockers(rows *sql.Rows) ([]model.Locker, error) {
	var out []model.Locker
	for rows.Next() {
		var l model.Locker
		var reservedAt, ownedAt, updatedAt sql.NullTime
		var isVIP int
		if err := rows.Scan(&l.KioskID, &l.ID, &l.Status, &l.OwnerType, &l.OwnerKey,
			&reservedAt, &ownedAt, &l.Version, &isVIP, &l.DisplayName, &updatedAt); err != nil {
			return nil, err
		}
		l.ReservedAt = reservedAt.Time
		l.OwnedAt = ownedAt.Time
		l.UpdatedAt = updatedAt.Time
		l.IsVIP = isVIP != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

func appendAllowedIDsFilter(query string, args []any, allowedIDs []int) (string, []any) {
	if len(allowedIDs) == 0 {
		return query, args
	}
	placeholders := ""
	for i, id := range allowedIDs {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	return query + " AND id IN (" + placeholders + ")", args
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
