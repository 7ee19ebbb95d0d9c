// Package coordinator turns flagged content and staff input into exactly
// one committed moderation action per source event, plus its audit trail.
//
// Every flagged event walks one state machine: PENDING while the alert is
// up, then exactly one terminal resolution (warn, timeout, kick, ban or
// dismiss). Two layers enforce the at-most-once guarantee: a per-event
// in-memory lock gives losing staff clicks a fast rejection, and the
// uniqueness constraint on moderation_actions.source_event_id backs it
// durably across restarts and multiple workers.
//
// The coordinator exclusively owns the audit log's write path: action
// commits write their audit record in the same transaction, and passive
// events are appended through Record.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/warden/modbot/internal/blocklist"
	"github.com/warden/modbot/internal/metrics"
	"github.com/warden/modbot/internal/modstore"
	"github.com/warden/modbot/internal/platform"
)

var (
	// ErrAlreadyResolved rejects a second resolution of a terminal event.
	ErrAlreadyResolved = errors.New("coordinator: event already resolved")
	// ErrUnknownEvent rejects a resolution for an event never opened here
	// and not found terminal in the store.
	ErrUnknownEvent = errors.New("coordinator: unknown event")
)

// FlaggedEvent describes one message that tripped the blocklist.
type FlaggedEvent struct {
	SourceEventID string // the flagged message id; unit of at-most-once resolution
	TargetID      string
	TargetName    string
	ChannelID     string // channel the message was posted in
	Content       string
	Terms         []string
	Severity      blocklist.Severity
}

// Decision is the tagged input that resolves a pending event: one staff
// button click, one slash command, or an automated choice. Each Kind maps
// to one state-machine transition.
type Decision struct {
	Kind          modstore.ActionKind
	StaffID       string // modstore.SystemActor for automated decisions
	Reason        string
	Duration      time.Duration // timeouts only
	InteractionID string        // set when the decision came from a button
}

// Store is the slice of modstore the coordinator needs.
type Store interface {
	Commit(ctx context.Context, action *modstore.Action, audit *modstore.AuditEvent) error
	SetDeliveryState(ctx context.Context, actionID int64, state modstore.DeliveryState) error
}

// AuditStore appends standalone audit events.
type AuditStore interface {
	Append(ctx context.Context, ev *modstore.AuditEvent) error
}

// Config holds the coordinator's escalation and delivery settings.
// The severity-to-escalation mapping is configuration, not logic.
type Config struct {
	AlertChannelID string
	StaffRoleID    string
	// PingBySeverity decides which tiers mention the staff role on the
	// alert. High severity always pings regardless of this map.
	PingBySeverity map[blocklist.Severity]bool
	// AutoDeleteFlagged deletes the offending message when an event is
	// opened. The delete is idempotent and safe to repeat.
	AutoDeleteFlagged  bool
	MaxDeliveryRetries int
	RetryBackoff       time.Duration
	// TerminalRetention bounds how long a resolved event stays in memory
	// for fast late-click rejection. After eviction the database
	// constraint alone rejects stale clicks.
	TerminalRetention time.Duration
}

// DefaultConfig returns the stock escalation policy: low severity alerts
// only, medium and high ping the staff role.
func DefaultConfig(alertChannelID, staffRoleID string) Config {
	return Config{
		AlertChannelID: alertChannelID,
		StaffRoleID:    staffRoleID,
		PingBySeverity: map[blocklist.Severity]bool{
			blocklist.SeverityLow:    false,
			blocklist.SeverityMedium: true,
			blocklist.SeverityHigh:   true,
		},
		AutoDeleteFlagged:  true,
		MaxDeliveryRetries: 3,
		RetryBackoff:       5 * time.Second,
		TerminalRetention:  time.Hour,
	}
}

type eventState struct {
	mu         sync.Mutex
	flagged    FlaggedEvent
	alertMsg   string
	resolved   bool
	resolvedAt time.Time
}

// Coordinator drives the per-event state machines.
type Coordinator struct {
	cfg      Config
	store    Store
	audit    AuditStore
	platform platform.Client

	mu     sync.Mutex
	events map[string]*eventState
}

// New creates a coordinator.
func New(cfg Config, store Store, audit AuditStore, pc platform.Client) *Coordinator {
	if cfg.MaxDeliveryRetries <= 0 {
		cfg.MaxDeliveryRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if cfg.TerminalRetention <= 0 {
		cfg.TerminalRetention = time.Hour
	}
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		audit:    audit,
		platform: pc,
		events:   make(map[string]*eventState),
	}
}

// Open registers a flagged event as PENDING, deletes the offending
// message when configured, and posts the staff alert. Opening the same
// source event twice returns the existing alert without a second post.
func (c *Coordinator) Open(ctx context.Context, ev FlaggedEvent) (alertMessageID string, err error) {
	c.mu.Lock()
	c.sweepLocked(time.Now())
	st, exists := c.events[ev.SourceEventID]
	if !exists {
		st = &eventState{flagged: ev}
		c.events[ev.SourceEventID] = st
	}
	c.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	if exists && st.alertMsg != "" {
		return st.alertMsg, nil
	}

	if c.cfg.AutoDeleteFlagged {
		if err := c.platform.DeleteMessage(ctx, ev.ChannelID, ev.SourceEventID); err != nil {
			// The message may already be gone; moderation continues.
			log.Printf("[coordinator] delete flagged message %s: %v", ev.SourceEventID, err)
		}
	}

	pingRole := ""
	if ev.Severity == blocklist.SeverityHigh || c.cfg.PingBySeverity[ev.Severity] {
		pingRole = c.cfg.StaffRoleID
	}

	msgID, err := c.platform.PostAlert(ctx, platform.Alert{
		ChannelID:     c.cfg.AlertChannelID,
		SourceEventID: ev.SourceEventID,
		TargetID:      ev.TargetID,
		TargetName:    ev.TargetName,
		OriginChannel: ev.ChannelID,
		Content:       ev.Content,
		Terms:         ev.Terms,
		Severity:      ev.Severity,
		PingRoleID:    pingRole,
	})
	if err != nil {
		return "", fmt.Errorf("coordinator: post alert for %s: %w", ev.SourceEventID, err)
	}
	st.alertMsg = msgID
	metrics.AlertsPending.Inc()
	return msgID, nil
}

// Resolve commits the one terminal resolution for a pending event. The
// first caller to acquire the event lock wins; later callers get
// ErrAlreadyResolved, as does any caller losing the race at the database
// constraint. The action record and its audit event commit atomically
// before any platform call is made.
func (c *Coordinator) Resolve(ctx context.Context, sourceEventID string, d Decision) (*modstore.Action, error) {
	c.mu.Lock()
	st := c.events[sourceEventID]
	c.mu.Unlock()
	if st == nil {
		return nil, ErrUnknownEvent
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.resolved {
		return nil, ErrAlreadyResolved
	}

	action := &modstore.Action{
		SourceEventID:   sourceEventID,
		Kind:            d.Kind,
		TargetID:        st.flagged.TargetID,
		StaffID:         d.StaffID,
		Reason:          d.Reason,
		DurationMinutes: int(d.Duration / time.Minute),
		Delivery:        modstore.DeliveryPending,
	}
	audit := &modstore.AuditEvent{
		MemberID: st.flagged.TargetID,
		Kind:     auditKindFor(d.Kind),
		Details:  auditDetails(st.flagged, d),
	}

	if err := c.store.Commit(ctx, action, audit); err != nil {
		if errors.Is(err, modstore.ErrDuplicateResolution) {
			// Another worker committed first. This event is no longer
			// pending for us either.
			st.resolved = true
			st.resolvedAt = time.Now()
			metrics.AlertsPending.Dec()
			return nil, ErrAlreadyResolved
		}
		return nil, err
	}
	st.resolved = true
	st.resolvedAt = time.Now()
	metrics.AlertsPending.Dec()
	metrics.ActionsTotal.WithLabelValues(string(d.Kind)).Inc()

	c.deliver(ctx, action, st.flagged.TargetName)

	if st.alertMsg != "" {
		err := c.platform.EditAlertResolved(ctx, c.cfg.AlertChannelID, st.alertMsg, platform.Resolution{
			Kind:    string(d.Kind),
			StaffID: d.StaffID,
			Reason:  d.Reason,
		})
		if err != nil {
			log.Printf("[coordinator] edit alert %s: %v", st.alertMsg, err)
		}
	}
	return action, nil
}

// Execute commits a staff-initiated action that has no flagged source
// event (slash commands such as /warn or /unban). The same commit and
// delivery path applies; only the uniqueness constraint does not, since
// there is no source event id.
func (c *Coordinator) Execute(ctx context.Context, targetID, targetName string, d Decision) (*modstore.Action, error) {
	action := &modstore.Action{
		Kind:            d.Kind,
		TargetID:        targetID,
		StaffID:         d.StaffID,
		Reason:          d.Reason,
		DurationMinutes: int(d.Duration / time.Minute),
		Delivery:        modstore.DeliveryPending,
	}
	audit := &modstore.AuditEvent{
		MemberID: targetID,
		Kind:     auditKindFor(d.Kind),
		Details:  fmt.Sprintf("%s by %s: %s", d.Kind, d.StaffID, d.Reason),
	}
	if err := c.store.Commit(ctx, action, audit); err != nil {
		return nil, err
	}
	metrics.ActionsTotal.WithLabelValues(string(d.Kind)).Inc()

	c.deliver(ctx, action, targetName)
	return action, nil
}

// Record appends a passive audit event (join, leave, role change, voice
// activity). All audit writes funnel through the coordinator.
func (c *Coordinator) Record(ctx context.Context, memberID string, kind modstore.AuditKind, details string) error {
	return c.audit.Append(ctx, &modstore.AuditEvent{
		MemberID: memberID,
		Kind:     kind,
		Details:  details,
	})
}

// sweepLocked evicts terminal events past the retention window so the
// event map stays bounded on a long-running process. Callers hold c.mu.
func (c *Coordinator) sweepLocked(now time.Time) {
	for id, st := range c.events {
		st.mu.Lock()
		expired := st.resolved && now.Sub(st.resolvedAt) > c.cfg.TerminalRetention
		st.mu.Unlock()
		if expired {
			delete(c.events, id)
		}
	}
}

func auditKindFor(kind modstore.ActionKind) modstore.AuditKind {
	switch kind {
	case modstore.ActionWarn:
		return modstore.AuditWarned
	case modstore.ActionTimeout:
		return modstore.AuditTimedOut
	case modstore.ActionKick:
		return modstore.AuditKicked
	case modstore.ActionBan:
		return modstore.AuditBanned
	case modstore.ActionUnban:
		return modstore.AuditUnbanned
	default:
		return modstore.AuditAlertDismissed
	}
}

func auditDetails(ev FlaggedEvent, d Decision) string {
	if len(ev.Terms) == 0 {
		return fmt.Sprintf("%s by %s: %s", d.Kind, d.StaffID, d.Reason)
	}
	return fmt.Sprintf("%s by %s for flagged terms [%s]: %s",
		d.Kind, d.StaffID, strings.Join(ev.Terms, ", "), d.Reason)
}
