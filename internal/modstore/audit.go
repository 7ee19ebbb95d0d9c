package modstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditKind classifies audit log entries. Action commits use the kind of
// the action; the rest are passive events observed from the gateway.
type AuditKind string

const (
	AuditJoin           AuditKind = "join"
	AuditLeave          AuditKind = "leave"
	AuditVerified       AuditKind = "verified"
	AuditMessageFlagged AuditKind = "message_flagged"
	AuditMessageEdit    AuditKind = "message_edit"
	AuditMessageDelete  AuditKind = "message_delete"
	AuditRoleChange     AuditKind = "role_change"
	AuditNicknameChange AuditKind = "nickname_change"
	AuditVoiceJoin      AuditKind = "voice_join"
	AuditVoiceLeave     AuditKind = "voice_leave"
	AuditVoiceMove      AuditKind = "voice_move"
	AuditWarned         AuditKind = "warned"
	AuditTimedOut       AuditKind = "timed_out"
	AuditKicked         AuditKind = "kicked"
	AuditBanned         AuditKind = "banned"
	AuditUnbanned       AuditKind = "unbanned"
	AuditAlertDismissed AuditKind = "alert_dismissed"
	AuditReplayAttempt  AuditKind = "replay_attempt"
)

// AuditEvent is one append-only audit log entry, ordered by timestamp.
type AuditEvent struct {
	ID        int64
	MemberID  string
	Kind      AuditKind
	Details   string
	ActionID  int64 // 0 when not linked to a committed action
	CreatedAt time.Time
}

// AuditStore manages audit_events rows.
type AuditStore struct {
	db *sql.DB
}

// NewAuditStore creates an audit store on the given database handle.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// execer covers *sql.DB and *sql.Tx so action commits can write their
// audit record inside the same transaction.
type execer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAudit(ctx context.Context, e execer, ev *AuditEvent) error {
	var actionID sql.NullInt64
	if ev.ActionID != 0 {
		actionID = sql.NullInt64{Int64: ev.ActionID, Valid: true}
	}

	const query = `
		INSERT INTO audit_events (member_id, kind, details, action_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := e.QueryRowContext(ctx, query, ev.MemberID, string(ev.Kind), ev.Details, actionID).
		Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("modstore: insert audit event: %w", err)
	}
	return nil
}

// Append writes a standalone audit event (passive events not tied to a
// moderation action).
func (s *AuditStore) Append(ctx context.Context, ev *AuditEvent) error {
	return insertAudit(ctx, s.db, ev)
}

// ListForMember returns the most recent audit events for a member,
// newest first.
func (s *AuditStore) ListForMember(ctx context.Context, memberID string, limit int) ([]AuditEvent, error) {
	const query = `
		SELECT id, member_id, kind, COALESCE(details, ''), COALESCE(action_id, 0), created_at
		FROM audit_events
		WHERE member_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, memberID, limit)
	if err != nil {
		return nil, fmt.Errorf("modstore: list audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		var kind string
		if err := rows.Scan(&ev.ID, &ev.MemberID, &kind, &ev.Details, &ev.ActionID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("modstore: scan audit event: %w", err)
		}
		ev.Kind = AuditKind(kind)
		events = append(events, ev)
	}
	return events, rows.Err()
}
