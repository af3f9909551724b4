package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresLeaseStore keeps launcher leases in one table. Expiry is computed
// and compared on the database clock so launcher hosts may drift.
type PostgresLeaseStore struct {
	db *sql.DB
}

func NewPostgresLeaseStore(db *sql.DB) *PostgresLeaseStore {
	return &PostgresLeaseStore{db: db}
}

func (s *PostgresLeaseStore) RenewLease(ctx context.Context, launcherID string, ttl time.Duration) error {
	query := `
		INSERT INTO hpcfire_schema.launcher_leases (launcher_id, expires_at, renewed_at)
		VALUES ($1, now() + $2 * interval '1 millisecond', now())
		ON CONFLICT (launcher_id) DO UPDATE
		SET expires_at = EXCLUDED.expires_at, renewed_at = EXCLUDED.renewed_at`
	if _, err := s.db.ExecContext(ctx, query, launcherID, ttl.Milliseconds()); err != nil {
		return fmt.Errorf("failed to renew lease of %s: %w", launcherID, err)
	}
	return nil
}

func (s *PostgresLeaseStore) ReleaseLease(ctx context.Context, launcherID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM hpcfire_schema.launcher_leases WHERE launcher_id = $1`, launcherID); err != nil {
		return fmt.Errorf("failed to release lease of %s: %w", launcherID, err)
	}
	return nil
}

func (s *PostgresLeaseStore) LiveLaunchers(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT launcher_id FROM hpcfire_schema.launcher_leases WHERE expires_at > now()`)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	live := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		live[id] = true
	}
	return live, rows.Err()
}
