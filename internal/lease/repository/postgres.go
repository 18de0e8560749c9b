package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"aval/internal/lease/domain"
)

// PostgresRepository stores leases in the devices table. Acquire relies on a
// row-level lock (SELECT ... FOR UPDATE) so the check-and-set is atomic across
// processes.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a lease repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Exists reports whether a row exists for deviceUUID.
func (r *PostgresRepository) Exists(ctx context.Context, deviceUUID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM devices WHERE device_uuid = $1`, deviceUUID).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Create inserts an unlocked row for deviceUUID.
func (r *PostgresRepository) Create(ctx context.Context, deviceUUID string) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO devices (device_uuid, is_locked, "timestamp") VALUES ($1, FALSE, now())`, deviceUUID)
	return err
}

// Get returns the lease for deviceUUID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) Get(ctx context.Context, deviceUUID string) (*domain.DeviceLease, error) {
	l := &domain.DeviceLease{DeviceUUID: deviceUUID}
	err := r.db.QueryRowContext(ctx, `SELECT is_locked, "timestamp" FROM devices WHERE device_uuid = $1`, deviceUUID).
		Scan(&l.Locked, &l.LastHeartbeat)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// Acquire locks the row under FOR UPDATE if it is unlocked. A missing row is
// reported as not acquired.
func (r *PostgresRepository) Acquire(ctx context.Context, deviceUUID string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var locked bool
	err = tx.QueryRowContext(ctx, `SELECT is_locked FROM devices WHERE device_uuid = $1 FOR UPDATE`, deviceUUID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if locked {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE devices SET is_locked = TRUE, "timestamp" = now() WHERE device_uuid = $1`, deviceUUID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Release unlocks the row regardless of who holds it.
func (r *PostgresRepository) Release(ctx context.Context, deviceUUID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET is_locked = FALSE, "timestamp" = now() WHERE device_uuid = $1`, deviceUUID)
	return err
}

// Heartbeat stamps the row with the database's current time.
func (r *PostgresRepository) Heartbeat(ctx context.Context, deviceUUID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE devices SET "timestamp" = now() WHERE device_uuid = $1`, deviceUUID)
	return err
}

// ReclaimStale unlocks rows whose heartbeat is older than staleAfter, using the
// database clock so holders and reaper agree on "now".
func (r *PostgresRepository) ReclaimStale(ctx context.Context, staleAfter time.Duration) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE devices
		SET is_locked = FALSE, "timestamp" = now()
		WHERE is_locked = TRUE AND "timestamp" < now() - make_interval(secs => $1)
		RETURNING device_uuid`, staleAfter.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
