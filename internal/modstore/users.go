package modstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a tracked chat-platform member.
type User struct {
	MemberID    string
	Username    string
	DisplayName string
	Verified    bool
	JoinedAt    time.Time
	VerifiedAt  sql.NullTime
}

// UserStore manages users rows.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a user store on the given database handle.
func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

// Upsert creates the member record or refreshes its names on re-join.
// Verification status is never reset by a re-join.
func (s *UserStore) Upsert(ctx context.Context, memberID, username, displayName string) error {
	const query = `
		INSERT INTO users (member_id, username, display_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (member_id)
		DO UPDATE SET username = EXCLUDED.username, display_name = EXCLUDED.display_name`

	if _, err := s.db.ExecContext(ctx, query, memberID, username, displayName); err != nil {
		return fmt.Errorf("modstore: upsert user: %w", err)
	}
	return nil
}

// MarkVerified stamps a member as verified.
func (s *UserStore) MarkVerified(ctx context.Context, memberID string) error {
	const query = `UPDATE users SET verified = TRUE, verified_at = NOW() WHERE member_id = $1`
	if _, err := s.db.ExecContext(ctx, query, memberID); err != nil {
		return fmt.Errorf("modstore: mark verified: %w", err)
	}
	return nil
}

// Get fetches a member record. Returns nil when not found.
func (s *UserStore) Get(ctx context.Context, memberID string) (*User, error) {
	const query = `
		SELECT member_id, username, COALESCE(display_name, ''), verified, joined_at, verified_at
		FROM users WHERE member_id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, memberID).
		Scan(&u.MemberID, &u.Username, &u.DisplayName, &u.Verified, &u.JoinedAt, &u.VerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("modstore: get user: %w", err)
	}
	return &u, nil
}
