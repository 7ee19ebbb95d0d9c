package modstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// WarningStore manages warning records, kept separately from actions so
// staff can review a member's warning history on its own.
type WarningStore struct {
	db *sql.DB
}

// NewWarningStore creates a warning store on the given database handle.
func NewWarningStore(db *sql.DB) *WarningStore {
	return &WarningStore{db: db}
}

// Add records a warning against a member.
func (s *WarningStore) Add(ctx context.Context, memberID, reason, issuedBy string) error {
	const query = `INSERT INTO warnings (member_id, reason, issued_by) VALUES ($1, $2, $3)`
	if _, err := s.db.ExecContext(ctx, query, memberID, reason, issuedBy); err != nil {
		return fmt.Errorf("modstore: add warning: %w", err)
	}
	return nil
}

// CountRecent returns how many warnings a member received inside window.
func (s *WarningStore) CountRecent(ctx context.Context, memberID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*) FROM warnings
		WHERE member_id = $1 AND created_at >= NOW() - $2::interval`

	var count int
	if err := s.db.QueryRowContext(ctx, query, memberID, window.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("modstore: count warnings: %w", err)
	}
	return count, nil
}
