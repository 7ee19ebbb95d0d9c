// Package automod is the moderator service's event brain. It consumes the
// guild events the gateway publishes, runs message content through the
// normalizer and the match engine, opens flagged events on the
// coordinator, and turns staff interactions into resolutions.
package automod

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/warden/modbot/internal/coordinator"
	"github.com/warden/modbot/internal/match"
	"github.com/warden/modbot/internal/metrics"
	"github.com/warden/modbot/internal/modstore"
	"github.com/warden/modbot/internal/normalize"
	"github.com/warden/modbot/internal/protocol"
	"github.com/warden/modbot/internal/ratelimit"
)

// MessageLog persists scanned messages.
type MessageLog interface {
	Log(ctx context.Context, messageID, memberID, channelID, content string) error
	LogFlagged(ctx context.Context, messageID, memberID, channelID, content, reason, severity string) error
}

// UserDirectory tracks known members.
type UserDirectory interface {
	Upsert(ctx context.Context, memberID, username, displayName string) error
	MarkVerified(ctx context.Context, memberID string) error
}

// WarningLog persists warnings and counts recent ones.
type WarningLog interface {
	Add(ctx context.Context, memberID, reason, issuedBy string) error
	CountRecent(ctx context.Context, memberID string, window time.Duration) (int, error)
}

// FlagCounter tracks repeat-offense signals.
type FlagCounter interface {
	RecordFlag(ctx context.Context, memberID string) (int, error)
	RecordReplay(ctx context.Context, memberID string) (int, error)
}

// TokenIssuer mints verification sessions for joining members.
type TokenIssuer interface {
	Issue(ctx context.Context, memberID string) (string, time.Time, error)
}

// IssueLimiter throttles verification link re-issues.
type IssueLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Resolver is the coordinator surface the service drives.
type Resolver interface {
	Open(ctx context.Context, ev coordinator.FlaggedEvent) (string, error)
	Resolve(ctx context.Context, sourceEventID string, d coordinator.Decision) (*modstore.Action, error)
	Execute(ctx context.Context, targetID, targetName string, d coordinator.Decision) (*modstore.Action, error)
	Record(ctx context.Context, memberID string, kind modstore.AuditKind, details string) error
}

// Responder answers staff interactions.
type Responder interface {
	RespondInteraction(ctx context.Context, interactionID, text string) error
	SendDM(ctx context.Context, memberID, text string) error
}

// Config holds the service's escalation policy.
type Config struct {
	// VerifyURL is the public base of the verification frontend; the
	// per-member link is VerifyURL + "/verify/" + token.
	VerifyURL string
	// WarnLimit warnings within WarnWindow escalate to an automatic
	// timeout of AutoTimeout.
	WarnLimit   int
	WarnWindow  time.Duration
	AutoTimeout time.Duration
}

// DefaultConfig returns the stock escalation policy.
func DefaultConfig(verifyURL string) Config {
	return Config{
		VerifyURL:   verifyURL,
		WarnLimit:   3,
		WarnWindow:  30 * 24 * time.Hour,
		AutoTimeout: 24 * time.Hour,
	}
}

// Service wires the moderation pipeline together.
type Service struct {
	cfg      Config
	norm     *normalize.Normalizer
	engine   *match.Engine
	coord    Resolver
	messages MessageLog
	users    UserDirectory
	warnings WarningLog
	abuse    FlagCounter
	tokens   TokenIssuer
	limits   IssueLimiter
	platform Responder
}

// New creates the service. abuse, tokens and limits may be nil in
// reduced deployments; the corresponding features are skipped.
func New(cfg Config, norm *normalize.Normalizer, engine *match.Engine, coord Resolver,
	messages MessageLog, users UserDirectory, warnings WarningLog,
	abuse FlagCounter, tokens TokenIssuer, limits IssueLimiter, platform Responder) *Service {
	if cfg.WarnLimit <= 0 {
		cfg.WarnLimit = 3
	}
	if cfg.WarnWindow <= 0 {
		cfg.WarnWindow = 30 * 24 * time.Hour
	}
	if cfg.AutoTimeout <= 0 {
		cfg.AutoTimeout = 24 * time.Hour
	}
	return &Service{
		cfg:      cfg,
		norm:     norm,
		engine:   engine,
		coord:    coord,
		messages: messages,
		users:    users,
		warnings: warnings,
		abuse:    abuse,
		tokens:   tokens,
		limits:   limits,
		platform: platform,
	}
}

// HandleMessage scans one guild message. Bot authors are ignored so the
// alert flow cannot feed back into itself.
func (s *Service) HandleMessage(ctx context.Context, ev protocol.MessageEvent) error {
	if ev.AuthorBot {
		return nil
	}

	start := time.Now()
	canonical := s.norm.Normalize(ev.Content)
	result := s.engine.Scan(canonical)
	metrics.ScanLatency.Observe(time.Since(start).Seconds())

	if result.Truncated {
		metrics.MessagesScanned.WithLabelValues("truncated").Inc()
		log.Printf("[automod] oversized message event=%s member=%s len=%d, not scanned",
			ev.EventID, ev.AuthorID, len(ev.Content))
		return s.messages.Log(ctx, ev.EventID, ev.AuthorID, ev.ChannelID, ev.Content)
	}

	if !result.Flagged() {
		metrics.MessagesScanned.WithLabelValues("clean").Inc()
		return s.messages.Log(ctx, ev.EventID, ev.AuthorID, ev.ChannelID, ev.Content)
	}

	metrics.MessagesScanned.WithLabelValues("flagged").Inc()
	top, _ := result.Top()
	terms := matchedTerms(result)
	log.Printf("[automod] FLAGGED event=%s member=%s terms=%v severity=%s",
		ev.EventID, ev.AuthorID, terms, top.Severity)

	if err := s.messages.LogFlagged(ctx, ev.EventID, ev.AuthorID, ev.ChannelID,
		ev.Content, strings.Join(terms, ","), top.Severity.String()); err != nil {
		log.Printf("[automod] log flagged event=%s: %v", ev.EventID, err)
	}
	if s.abuse != nil {
		if count, err := s.abuse.RecordFlag(ctx, ev.AuthorID); err != nil {
			log.Printf("[automod] record flag member=%s: %v", ev.AuthorID, err)
		} else {
			log.Printf("[automod] member=%s flag count=%d", ev.AuthorID, count)
		}
	}

	_, err := s.coord.Open(ctx, coordinator.FlaggedEvent{
		SourceEventID: ev.EventID,
		TargetID:      ev.AuthorID,
		TargetName:    ev.AuthorName,
		ChannelID:     ev.ChannelID,
		Content:       ev.Content,
		Terms:         terms,
		Severity:      top.Severity,
	})
	return err
}

// HandleMessageEdit audits the edit and runs the new content back
// through the scan pipeline.
func (s *Service) HandleMessageEdit(ctx context.Context, ev protocol.MessageEditEvent) error {
	if ev.AuthorBot {
		return nil
	}
	if err := s.coord.Record(ctx, ev.AuthorID, modstore.AuditMessageEdit, "edited message "+ev.EventID); err != nil {
		log.Printf("[automod] audit edit event=%s: %v", ev.EventID, err)
	}
	return s.HandleMessage(ctx, protocol.MessageEvent{
		EventID:    ev.EventID,
		GuildID:    ev.GuildID,
		ChannelID:  ev.ChannelID,
		AuthorID:   ev.AuthorID,
		AuthorName: ev.AuthorName,
		Content:    ev.NewContent,
		Ts:         ev.Ts,
	})
}

// HandleMessageDelete audits the deletion.
func (s *Service) HandleMessageDelete(ctx context.Context, ev protocol.MessageDeleteEvent) error {
	details := "deleted message " + ev.EventID + " in " + ev.ChannelID
	return s.coord.Record(ctx, ev.AuthorID, modstore.AuditMessageDelete, details)
}

// HandleInteraction turns a staff button click or slash command into a
// coordinator call. Alert buttons carry the flagged source event id;
// slash commands target a member directly.
func (s *Service) HandleInteraction(ctx context.Context, ev protocol.InteractionEvent) error {
	if ev.Action == "verify" || ev.Action == "reverify" {
		return s.handleReverify(ctx, ev)
	}

	kind, ok := actionKind(ev.Action)
	if !ok {
		return fmt.Errorf("automod: unknown interaction action %q", ev.Action)
	}

	d := coordinator.Decision{
		Kind:          kind,
		StaffID:       ev.StaffID,
		Reason:        ev.Reason,
		Duration:      time.Duration(ev.DurationMin) * time.Minute,
		InteractionID: ev.InteractionID,
	}

	var action *modstore.Action
	var err error
	if ev.SourceEventID != "" {
		action, err = s.coord.Resolve(ctx, ev.SourceEventID, d)
	} else {
		if ev.TargetID == "" {
			return fmt.Errorf("automod: interaction %s has neither source event nor target", ev.InteractionID)
		}
		action, err = s.coord.Execute(ctx, ev.TargetID, "", d)
	}

	switch {
	case errors.Is(err, coordinator.ErrAlreadyResolved):
		s.respond(ctx, ev.InteractionID, "Already resolved by another moderator.")
		return nil
	case errors.Is(err, coordinator.ErrUnknownEvent):
		s.respond(ctx, ev.InteractionID, "This alert is no longer tracked.")
		return nil
	case err != nil:
		s.respond(ctx, ev.InteractionID, "Action failed, check the moderator log.")
		return err
	}

	s.respond(ctx, ev.InteractionID, fmt.Sprintf("Done: %s applied to <%s>.", action.Kind, action.TargetID))

	if action.Kind == modstore.ActionWarn {
		s.recordWarning(ctx, action)
	}
	return nil
}

// handleReverify re-issues a verification link on request. Issuing
// supersedes the previous live session, so the newest link is the only
// valid one. For the self-service command the invoker's id rides in
// StaffID.
func (s *Service) handleReverify(ctx context.Context, ev protocol.InteractionEvent) error {
	memberID := ev.TargetID
	if memberID == "" {
		memberID = ev.StaffID
	}
	if memberID == "" {
		return fmt.Errorf("automod: reverify interaction %s has no member", ev.InteractionID)
	}
	if s.tokens == nil || s.cfg.VerifyURL == "" {
		s.respond(ctx, ev.InteractionID, "Verification is not enabled on this server.")
		return nil
	}
	if s.limits != nil {
		if ok, err := s.limits.Allow(ctx, memberID, ratelimit.RuleIssue); err == nil && !ok {
			s.respond(ctx, ev.InteractionID, "Too many verification links requested. Try again later.")
			return nil
		}
	}
	if err := s.sendVerifyLink(ctx, memberID, "Here is a fresh verification link"); err != nil {
		s.respond(ctx, ev.InteractionID, "Could not send a verification link, check your DM settings.")
		return err
	}
	s.respond(ctx, ev.InteractionID, "Check your direct messages for a fresh verification link.")
	return nil
}

// recordWarning persists the warning and escalates to an automatic
// timeout when the member hits the warn limit.
func (s *Service) recordWarning(ctx context.Context, action *modstore.Action) {
	if s.warnings == nil {
		return
	}
	if err := s.warnings.Add(ctx, action.TargetID, action.Reason, action.StaffID); err != nil {
		log.Printf("[automod] add warning member=%s: %v", action.TargetID, err)
		return
	}
	count, err := s.warnings.CountRecent(ctx, action.TargetID, s.cfg.WarnWindow)
	if err != nil {
		log.Printf("[automod] count warnings member=%s: %v", action.TargetID, err)
		return
	}
	if count < s.cfg.WarnLimit {
		return
	}

	log.Printf("[automod] member=%s hit warn limit (%d), auto timeout", action.TargetID, count)
	_, err = s.coord.Execute(ctx, action.TargetID, "", coordinator.Decision{
		Kind:     modstore.ActionTimeout,
		StaffID:  modstore.SystemActor,
		Reason:   fmt.Sprintf("%d warnings within %s", count, s.cfg.WarnWindow),
		Duration: s.cfg.AutoTimeout,
	})
	if err != nil {
		log.Printf("[automod] auto timeout member=%s: %v", action.TargetID, err)
	}
}

// HandleJoin registers the member, audits the join, and sends the
// verification link.
func (s *Service) HandleJoin(ctx context.Context, ev protocol.MemberJoinEvent) error {
	if err := s.users.Upsert(ctx, ev.MemberID, ev.MemberName, ev.MemberName); err != nil {
		log.Printf("[automod] upsert member=%s: %v", ev.MemberID, err)
	}
	if err := s.coord.Record(ctx, ev.MemberID, modstore.AuditJoin, ev.MemberName+" joined"); err != nil {
		log.Printf("[automod] audit join member=%s: %v", ev.MemberID, err)
	}

	if s.tokens == nil || s.cfg.VerifyURL == "" {
		return nil
	}
	return s.sendVerifyLink(ctx, ev.MemberID, "Welcome! Verify your account to unlock the server")
}

// sendVerifyLink issues a token and DMs the personal verification link.
func (s *Service) sendVerifyLink(ctx context.Context, memberID, intro string) error {
	tok, expiry, err := s.tokens.Issue(ctx, memberID)
	if err != nil {
		return fmt.Errorf("automod: issue token for %s: %w", memberID, err)
	}
	link := strings.TrimRight(s.cfg.VerifyURL, "/") + "/verify/" + tok
	msg := fmt.Sprintf("%s: %s (valid until %s)", intro, link, expiry.UTC().Format(time.RFC1123))
	if err := s.platform.SendDM(ctx, memberID, msg); err != nil {
		return fmt.Errorf("automod: dm verify link to %s: %w", memberID, err)
	}
	return nil
}

// HandleLeave audits the departure.
func (s *Service) HandleLeave(ctx context.Context, ev protocol.MemberLeaveEvent) error {
	return s.coord.Record(ctx, ev.MemberID, modstore.AuditLeave, ev.MemberName+" left")
}

// HandleMemberUpdate audits nickname and role changes.
func (s *Service) HandleMemberUpdate(ctx context.Context, ev protocol.MemberUpdateEvent) error {
	if ev.OldNickname != ev.NewNickname {
		details := fmt.Sprintf("nickname %q -> %q", ev.OldNickname, ev.NewNickname)
		if err := s.coord.Record(ctx, ev.MemberID, modstore.AuditNicknameChange, details); err != nil {
			return err
		}
	}
	if added, removed := diffRoles(ev.OldRoles, ev.NewRoles); len(added)+len(removed) > 0 {
		details := fmt.Sprintf("roles added=%v removed=%v", added, removed)
		if err := s.coord.Record(ctx, ev.MemberID, modstore.AuditRoleChange, details); err != nil {
			return err
		}
	}
	return nil
}

// HandleVoice audits voice channel activity.
func (s *Service) HandleVoice(ctx context.Context, ev protocol.VoiceEvent) error {
	var kind modstore.AuditKind
	var details string
	switch {
	case ev.PrevChannel == "" && ev.ChannelID != "":
		kind, details = modstore.AuditVoiceJoin, "joined "+ev.ChannelID
	case ev.PrevChannel != "" && ev.ChannelID == "":
		kind, details = modstore.AuditVoiceLeave, "left "+ev.PrevChannel
	case ev.PrevChannel != ev.ChannelID:
		kind, details = modstore.AuditVoiceMove, ev.PrevChannel+" -> "+ev.ChannelID
	default:
		return nil
	}
	return s.coord.Record(ctx, ev.MemberID, kind, details)
}

// HandleVerifyGranted marks the member verified and audits it.
func (s *Service) HandleVerifyGranted(ctx context.Context, ev protocol.VerifyGrantedEvent) error {
	if err := s.users.MarkVerified(ctx, ev.MemberID); err != nil {
		log.Printf("[automod] mark verified member=%s: %v", ev.MemberID, err)
	}
	return s.coord.Record(ctx, ev.MemberID, modstore.AuditVerified, "passed verification")
}

func (s *Service) respond(ctx context.Context, interactionID, text string) {
	if interactionID == "" {
		return
	}
	if err := s.platform.RespondInteraction(ctx, interactionID, text); err != nil {
		log.Printf("[automod] respond interaction=%s: %v", interactionID, err)
	}
}

func actionKind(action string) (modstore.ActionKind, bool) {
	switch action {
	case "warn":
		return modstore.ActionWarn, true
	case "timeout", "mute":
		return modstore.ActionTimeout, true
	case "kick":
		return modstore.ActionKick, true
	case "ban":
		return modstore.ActionBan, true
	case "unban":
		return modstore.ActionUnban, true
	case "dismiss":
		return modstore.ActionDismiss, true
	}
	return "", false
}

func matchedTerms(r match.Result) []string {
	seen := make(map[string]bool, len(r.Matches))
	var terms []string
	for _, m := range r.Matches {
		if !seen[m.Term] {
			seen[m.Term] = true
			terms = append(terms, m.Term)
		}
	}
	return terms
}

func diffRoles(old, new []string) (added, removed []string) {
	oldSet := make(map[string]bool, len(old))
	for _, r := range old {
		oldSet[r] = true
	}
	newSet := make(map[string]bool, len(new))
	for _, r := range new {
		newSet[r] = true
		if !oldSet[r] {
			added = append(added, r)
		}
	}
	for _, r := range old {
		if !newSet[r] {
			removed = append(removed, r)
		}
	}
	return added, removed
}

var _ Resolver = (*coordinator.Coordinator)(nil)
