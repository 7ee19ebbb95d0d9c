// Package platform is the boundary to the chat platform's REST API.
// Everything behind the Client interface is an external collaborator:
// the moderation core only cares that these calls either land or report
// an error it can retry.
package platform

import (
	"context"
	"time"

	"github.com/warden/modbot/internal/blocklist"
)

// Alert is a staff alert posted to the moderation channel, with the
// action buttons attached.
type Alert struct {
	ChannelID     string // moderation channel
	SourceEventID string // flagged message id; carried in button payloads
	TargetID      string
	TargetName    string
	OriginChannel string
	Content       string
	Terms         []string
	Severity      blocklist.Severity
	PingRoleID    string // staff role to mention, empty for no ping
}

// Resolution is what an alert edit shows once the event is terminal.
type Resolution struct {
	Kind    string
	StaffID string
	Reason  string
}

// Client issues calls against the chat platform. Implementations must be
// safe for concurrent use.
type Client interface {
	PostAlert(ctx context.Context, a Alert) (messageID string, err error)
	EditAlertResolved(ctx context.Context, channelID, messageID string, r Resolution) error
	RespondInteraction(ctx context.Context, interactionID, text string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	SendDM(ctx context.Context, memberID, text string) error
	GrantRole(ctx context.Context, memberID, roleID, reason string) error
	Timeout(ctx context.Context, memberID string, d time.Duration, reason string) error
	Kick(ctx context.Context, memberID, reason string) error
	Ban(ctx context.Context, memberID, reason string) error
	Unban(ctx context.Context, memberID, reason string) error
}
