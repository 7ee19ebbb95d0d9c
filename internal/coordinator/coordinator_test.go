package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/warden/modbot/internal/blocklist"
	"github.com/warden/modbot/internal/metrics"
	"github.com/warden/modbot/internal/modstore"
	"github.com/warden/modbot/internal/platform"
)

// memStore implements Store and AuditStore in memory with the same
// uniqueness semantics as the moderation_actions constraint.
type memStore struct {
	mu       sync.Mutex
	actions  []*modstore.Action
	audits   []*modstore.AuditEvent
	bySource map[string]bool
	nextID   int64
	delivery map[int64]modstore.DeliveryState
}

func newMemStore() *memStore {
	return &memStore{
		bySource: make(map[string]bool),
		delivery: make(map[int64]modstore.DeliveryState),
	}
}

func (m *memStore) Commit(ctx context.Context, action *modstore.Action, audit *modstore.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if action.SourceEventID != "" && m.bySource[action.SourceEventID] {
		return modstore.ErrDuplicateResolution
	}
	m.nextID++
	action.ID = m.nextID
	action.CreatedAt = time.Now()
	if action.SourceEventID != "" {
		m.bySource[action.SourceEventID] = true
	}
	cp := *action
	m.actions = append(m.actions, &cp)
	m.delivery[action.ID] = action.Delivery
	audit.ActionID = action.ID
	m.audits = append(m.audits, audit)
	return nil
}

func (m *memStore) Append(ctx context.Context, ev *modstore.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, ev)
	return nil
}

func (m *memStore) SetDeliveryState(ctx context.Context, actionID int64, state modstore.DeliveryState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivery[actionID] = state
	return nil
}

func (m *memStore) actionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actions)
}

func (m *memStore) deliveryOf(id int64) modstore.DeliveryState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivery[id]
}

// fakePlatform records calls and can be told to fail specific kinds.
type fakePlatform struct {
	mu        sync.Mutex
	failBans  int // fail this many Ban calls before succeeding
	deleted   []string
	alerts    []platform.Alert
	edits     []platform.Resolution
	dms       []string
	banned    []string
	kicked    []string
	timeouts  []string
	responses []string
}

func (f *fakePlatform) PostAlert(ctx context.Context, a platform.Alert) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return "alert-msg-1", nil
}

func (f *fakePlatform) EditAlertResolved(ctx context.Context, channelID, messageID string, r platform.Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, r)
	return nil
}

func (f *fakePlatform) RespondInteraction(ctx context.Context, interactionID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, text)
	return nil
}

func (f *fakePlatform) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakePlatform) SendDM(ctx context.Context, memberID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, memberID)
	return nil
}

func (f *fakePlatform) GrantRole(ctx context.Context, memberID, roleID, reason string) error {
	return nil
}

func (f *fakePlatform) Timeout(ctx context.Context, memberID string, d time.Duration, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, memberID)
	return nil
}

func (f *fakePlatform) Kick(ctx context.Context, memberID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = append(f.kicked, memberID)
	return nil
}

func (f *fakePlatform) Ban(ctx context.Context, memberID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBans > 0 {
		f.failBans--
		return errors.New("platform unavailable")
	}
	f.banned = append(f.banned, memberID)
	return nil
}

func (f *fakePlatform) Unban(ctx context.Context, memberID, reason string) error {
	return nil
}

func testEvent(id string) FlaggedEvent {
	return FlaggedEvent{
		SourceEventID: id,
		TargetID:      "member-1",
		TargetName:    "offender",
		ChannelID:     "general",
		Content:       "flagged content",
		Terms:         []string{"badword"},
		Severity:      blocklist.SeverityHigh,
	}
}

func newTestCoordinator(store *memStore, pc platform.Client) *Coordinator {
	cfg := DefaultConfig("mod-channel", "staff-role")
	cfg.RetryBackoff = time.Millisecond
	return New(cfg, store, store, pc)
}

func TestOpen_PostsAlertAndDeletes(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	c := newTestCoordinator(store, pc)
	ctx := context.Background()

	msgID, err := c.Open(ctx, testEvent("evt-1"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if msgID != "alert-msg-1" {
		t.Errorf("alert message id = %q", msgID)
	}
	if len(pc.deleted) != 1 || pc.deleted[0] != "evt-1" {
		t.Errorf("flagged message not deleted: %v", pc.deleted)
	}
	if len(pc.alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(pc.alerts))
	}
	if pc.alerts[0].PingRoleID != "staff-role" {
		t.Error("high severity alert must ping the staff role")
	}

	// Re-opening the same event must not post a second alert.
	if _, err := c.Open(ctx, testEvent("evt-1")); err != nil {
		t.Fatalf("re-Open() error: %v", err)
	}
	if len(pc.alerts) != 1 {
		t.Errorf("re-open posted a duplicate alert: %d", len(pc.alerts))
	}
}

func TestOpen_LowSeverityDoesNotPing(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	c := newTestCoordinator(store, pc)

	ev := testEvent("evt-low")
	ev.Severity = blocklist.SeverityLow
	if _, err := c.Open(context.Background(), ev); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if pc.alerts[0].PingRoleID != "" {
		t.Error("low severity alert must not ping the staff role")
	}
}

func TestResolve_CommitsActionAndAudit(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	c := newTestCoordinator(store, pc)
	ctx := context.Background()

	if _, err := c.Open(ctx, testEvent("evt-2")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	action, err := c.Resolve(ctx, "evt-2", Decision{
		Kind:     modstore.ActionTimeout,
		StaffID:  "staff-9",
		Reason:   "blocklisted content",
		Duration: time.Hour,
	})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if action.ID == 0 || action.Kind != modstore.ActionTimeout {
		t.Errorf("unexpected action: %+v", action)
	}
	if store.actionCount() != 1 || len(store.audits) != 1 {
		t.Errorf("want 1 action + 1 audit, got %d/%d", store.actionCount(), len(store.audits))
	}
	if store.audits[0].Kind != modstore.AuditTimedOut || store.audits[0].ActionID != action.ID {
		t.Errorf("audit not linked to action: %+v", store.audits[0])
	}
	if len(pc.timeouts) != 1 {
		t.Errorf("timeout not delivered: %v", pc.timeouts)
	}
	if len(pc.edits) != 1 || pc.edits[0].Kind != "timeout" {
		t.Errorf("alert not edited with resolution: %+v", pc.edits)
	}
	if store.deliveryOf(action.ID) != modstore.DeliveryDone {
		t.Errorf("delivery state = %v, want delivered", store.deliveryOf(action.ID))
	}
}

func TestResolve_SecondResolutionRejected(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	c := newTestCoordinator(store, pc)
	ctx := context.Background()

	if _, err := c.Open(ctx, testEvent("evt-3")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := c.Resolve(ctx, "evt-3", Decision{Kind: modstore.ActionWarn, StaffID: "a"}); err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}

	_, err := c.Resolve(ctx, "evt-3", Decision{Kind: modstore.ActionBan, StaffID: "b"})
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Resolve() = %v, want ErrAlreadyResolved", err)
	}
	if store.actionCount() != 1 {
		t.Errorf("got %d actions, want 1", store.actionCount())
	}
}

func TestResolve_ConcurrentRace(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	c := newTestCoordinator(store, pc)
	ctx := context.Background()

	if _, err := c.Open(ctx, testEvent("evt-4")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	kinds := []modstore.ActionKind{
		modstore.ActionWarn, modstore.ActionBan, modstore.ActionKick,
		modstore.ActionTimeout, modstore.ActionDismiss,
	}
	var wg sync.WaitGroup
	errs := make([]error, len(kinds))
	for i, kind := range kinds {
		wg.Add(1)
		go func(i int, kind modstore.ActionKind) {
			defer wg.Done()
			_, errs[i] = c.Resolve(ctx, "evt-4", Decision{Kind: kind, StaffID: "racer"})
		}(i, kind)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyResolved):
			lost++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Errorf("%d resolutions committed, want exactly 1", won)
	}
	if lost != len(kinds)-1 {
		t.Errorf("%d rejections, want %d", lost, len(kinds)-1)
	}
	if store.actionCount() != 1 {
		t.Errorf("store holds %d actions, want 1", store.actionCount())
	}
}

func TestResolve_LostConstraintRaceSettlesPendingGauge(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	c := newTestCoordinator(store, pc)
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.AlertsPending)
	if _, err := c.Open(ctx, testEvent("evt-race")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	// Another worker commits the same source event first, so our Resolve
	// loses at the uniqueness constraint rather than the in-memory lock.
	err := store.Commit(ctx,
		&modstore.Action{SourceEventID: "evt-race", Kind: modstore.ActionBan, TargetID: "member-1", StaffID: "other-worker"},
		&modstore.AuditEvent{MemberID: "member-1", Kind: modstore.AuditBanned})
	if err != nil {
		t.Fatalf("rival Commit() error: %v", err)
	}

	if _, err := c.Resolve(ctx, "evt-race", Decision{Kind: modstore.ActionWarn, StaffID: "late"}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Resolve() = %v, want ErrAlreadyResolved", err)
	}
	if got := testutil.ToFloat64(metrics.AlertsPending); got != before {
		t.Errorf("pending gauge = %v after lost race, want %v", got, before)
	}
}

func TestResolvedEventsEvictedAfterRetention(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	cfg := DefaultConfig("mod-channel", "staff-role")
	cfg.RetryBackoff = time.Millisecond
	cfg.TerminalRetention = time.Millisecond
	c := New(cfg, store, store, pc)
	ctx := context.Background()

	if _, err := c.Open(ctx, testEvent("evt-old")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := c.Resolve(ctx, "evt-old", Decision{Kind: modstore.ActionWarn, StaffID: "a"}); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	// The next Open past the retention window sweeps the terminal entry.
	time.Sleep(5 * time.Millisecond)
	if _, err := c.Open(ctx, testEvent("evt-new")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	c.mu.Lock()
	_, held := c.events["evt-old"]
	n := len(c.events)
	c.mu.Unlock()
	if held || n != 1 {
		t.Errorf("terminal event not evicted: held=%v map_len=%d", held, n)
	}

	// A very late click sees the event as untracked; its resolution is
	// still held by the store.
	if _, err := c.Resolve(ctx, "evt-old", Decision{Kind: modstore.ActionBan, StaffID: "b"}); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Resolve(evicted) = %v, want ErrUnknownEvent", err)
	}
	if store.actionCount() != 1 {
		t.Errorf("store holds %d actions, want 1", store.actionCount())
	}
}

func TestResolve_UnknownEvent(t *testing.T) {
	c := newTestCoordinator(newMemStore(), &fakePlatform{})
	_, err := c.Resolve(context.Background(), "never-opened", Decision{Kind: modstore.ActionWarn})
	if !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("Resolve(unknown) = %v, want ErrUnknownEvent", err)
	}
}

func TestDeliveryFailure_RetriedWithoutDuplicateAction(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{failBans: 1}
	c := newTestCoordinator(store, pc)
	ctx := context.Background()

	if _, err := c.Open(ctx, testEvent("evt-5")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	action, err := c.Resolve(ctx, "evt-5", Decision{Kind: modstore.ActionBan, StaffID: "staff-1", Reason: "repeat offender"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	// The action record exists and is marked failed before the retry lands.
	if store.actionCount() != 1 {
		t.Fatalf("got %d actions, want 1", store.actionCount())
	}

	// Wait for the background retry to succeed.
	deadline := time.Now().Add(2 * time.Second)
	for store.deliveryOf(action.ID) != modstore.DeliveryDone {
		if time.Now().After(deadline) {
			t.Fatalf("delivery never succeeded, state=%v", store.deliveryOf(action.ID))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if store.actionCount() != 1 {
		t.Errorf("retry created a duplicate action: %d records", store.actionCount())
	}
	pc.mu.Lock()
	bans := len(pc.banned)
	pc.mu.Unlock()
	if bans != 1 {
		t.Errorf("got %d successful bans, want 1", bans)
	}
}

func TestDeliveryFailure_ExhaustedKeepsRecord(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{failBans: 100}
	cfg := DefaultConfig("mod-channel", "staff-role")
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxDeliveryRetries = 2
	c := New(cfg, store, store, pc)
	ctx := context.Background()

	if _, err := c.Open(ctx, testEvent("evt-6")); err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	action, err := c.Resolve(ctx, "evt-6", Decision{Kind: modstore.ActionBan, StaffID: "staff-1"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.deliveryOf(action.ID) != modstore.DeliveryExhausted {
		if time.Now().After(deadline) {
			t.Fatalf("delivery state = %v, want exhausted", store.deliveryOf(action.ID))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if store.actionCount() != 1 {
		t.Errorf("record count changed: %d", store.actionCount())
	}
}

func TestExecute_StaffInitiatedAction(t *testing.T) {
	store := newMemStore()
	pc := &fakePlatform{}
	c := newTestCoordinator(store, pc)

	action, err := c.Execute(context.Background(), "member-7", "troll", Decision{
		Kind:    modstore.ActionKick,
		StaffID: "staff-2",
		Reason:  "manual kick",
	})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if action.SourceEventID != "" {
		t.Error("staff-initiated action must not carry a source event id")
	}
	if len(pc.kicked) != 1 || pc.kicked[0] != "member-7" {
		t.Errorf("kick not delivered: %v", pc.kicked)
	}
}

func TestRecord_PassiveAuditEvent(t *testing.T) {
	store := newMemStore()
	c := newTestCoordinator(store, &fakePlatform{})

	if err := c.Record(context.Background(), "member-8", modstore.AuditNicknameChange, "old -> new"); err != nil {
		t.Fatalf("Record() error: %v", err)
	}
	if len(store.audits) != 1 || store.audits[0].Kind != modstore.AuditNicknameChange {
		t.Errorf("audit not recorded: %+v", store.audits)
	}
}
