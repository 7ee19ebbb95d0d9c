package modstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// ErrDuplicateResolution is returned by Commit when a terminal action
// already exists for the source event id.
var ErrDuplicateResolution = errors.New("modstore: source event already resolved")

// ActionKind is the kind of a committed moderation action.
type ActionKind string

const (
	ActionWarn    ActionKind = "warn"
	ActionKick    ActionKind = "kick"
	ActionTimeout ActionKind = "timeout"
	ActionBan     ActionKind = "ban"
	ActionUnban   ActionKind = "unban"
	ActionDismiss ActionKind = "dismiss"
)

// SystemActor is recorded as the acting staff identity for automated actions.
const SystemActor = "SYSTEM"

// DeliveryState tracks whether the platform call backing an action landed.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDone      DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryExhausted DeliveryState = "exhausted"
)

// Action is one committed moderation action. Immutable once committed
// except for its delivery state.
type Action struct {
	ID              int64
	SourceEventID   string // empty for staff-initiated actions with no flagged message
	Kind            ActionKind
	TargetID        string
	StaffID         string
	Reason          string
	DurationMinutes int
	Delivery        DeliveryState
	CreatedAt       time.Time
}

// ActionStore manages moderation_actions rows.
type ActionStore struct {
	db *sql.DB
}

// NewActionStore creates an action store on the given database handle.
func NewActionStore(db *sql.DB) *ActionStore {
	return &ActionStore{db: db}
}

// Commit inserts the action and its audit record in one transaction:
// both land or neither does. A second commit for the same source event id
// trips the uniqueness constraint and returns ErrDuplicateResolution.
func (s *ActionStore) Commit(ctx context.Context, action *Action, audit *AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("modstore: begin: %w", err)
	}
	defer tx.Rollback()

	var sourceEventID sql.NullString
	if action.SourceEventID != "" {
		sourceEventID = sql.NullString{String: action.SourceEventID, Valid: true}
	}

	const insertAction = `
		INSERT INTO moderation_actions
			(source_event_id, kind, target_id, staff_id, reason, duration_minutes, delivery_state)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err = tx.QueryRowContext(ctx, insertAction,
		sourceEventID,
		string(action.Kind),
		action.TargetID,
		action.StaffID,
		action.Reason,
		action.DurationMinutes,
		string(action.Delivery),
	).Scan(&action.ID, &action.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateResolution
		}
		return fmt.Errorf("modstore: insert action: %w", err)
	}

	audit.ActionID = action.ID
	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("modstore: commit: %w", err)
	}
	return nil
}

// SetDeliveryState updates the delivery flag of a committed action.
func (s *ActionStore) SetDeliveryState(ctx context.Context, actionID int64, state DeliveryState) error {
	const query = `UPDATE moderation_actions SET delivery_state = $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, actionID, string(state)); err != nil {
		return fmt.Errorf("modstore: set delivery state: %w", err)
	}
	return nil
}

// ListForTarget returns the most recent actions against a member,
// newest first.
func (s *ActionStore) ListForTarget(ctx context.Context, targetID string, limit int) ([]Action, error) {
	const query = `
		SELECT id, COALESCE(source_event_id, ''), kind, target_id, staff_id,
		       COALESCE(reason, ''), duration_minutes, delivery_state, created_at
		FROM moderation_actions
		WHERE target_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("modstore: list actions: %w", err)
	}
	defer rows.Close()

	var actions []Action
	for rows.Next() {
		var a Action
		var kind, delivery string
		if err := rows.Scan(&a.ID, &a.SourceEventID, &kind, &a.TargetID, &a.StaffID,
			&a.Reason, &a.DurationMinutes, &delivery, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("modstore: scan action: %w", err)
		}
		a.Kind = ActionKind(kind)
		a.Delivery = DeliveryState(delivery)
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
