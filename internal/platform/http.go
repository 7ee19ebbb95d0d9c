package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPClient talks to the platform REST API with bot-token auth.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewHTTPClient creates a platform client for baseURL.
func NewHTTPClient(baseURL, botToken string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   botToken,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("platform: marshal %s: %w", path, err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("platform: request %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("platform: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("platform: %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("platform: decode %s: %w", path, err)
		}
	}
	return nil
}

// PostAlert posts the staff alert with action buttons and returns the new
// message id so the alert can be edited once the event resolves.
func (c *HTTPClient) PostAlert(ctx context.Context, a Alert) (string, error) {
	payload := map[string]any{
		"channel_id":      a.ChannelID,
		"source_event_id": a.SourceEventID,
		"target_id":       a.TargetID,
		"target_name":     a.TargetName,
		"origin_channel":  a.OriginChannel,
		"content":         a.Content,
		"terms":           a.Terms,
		"severity":        a.Severity.String(),
		"ping_role_id":    a.PingRoleID,
		"buttons":         []string{"warn", "timeout", "kick", "ban", "dismiss"},
	}
	var out struct {
		MessageID string `json:"message_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/alerts", payload, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// EditAlertResolved rewrites the alert so a second click is visibly
// rejected: buttons disabled, resolution shown.
func (c *HTTPClient) EditAlertResolved(ctx context.Context, channelID, messageID string, r Resolution) error {
	payload := map[string]any{
		"resolved": true,
		"kind":     r.Kind,
		"staff_id": r.StaffID,
		"reason":   r.Reason,
	}
	path := fmt.Sprintf("/channels/%s/messages/%s/alert", channelID, messageID)
	return c.do(ctx, http.MethodPatch, path, payload, nil)
}

// RespondInteraction sends an ephemeral reply to a button click.
func (c *HTTPClient) RespondInteraction(ctx context.Context, interactionID, text string) error {
	path := fmt.Sprintf("/interactions/%s/respond", interactionID)
	return c.do(ctx, http.MethodPost, path, map[string]any{"text": text, "ephemeral": true}, nil)
}

// DeleteMessage removes a message. Deleting an already-deleted message is
// not an error, so the auto-delete side effect stays idempotent.
func (c *HTTPClient) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", channelID, messageID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && strings.Contains(err.Error(), "status 404") {
		return nil
	}
	return err
}

// SendDM sends a direct message to a member.
func (c *HTTPClient) SendDM(ctx context.Context, memberID, text string) error {
	path := fmt.Sprintf("/members/%s/dm", memberID)
	return c.do(ctx, http.MethodPost, path, map[string]any{"text": text}, nil)
}

// GrantRole assigns a role to a member.
func (c *HTTPClient) GrantRole(ctx context.Context, memberID, roleID, reason string) error {
	path := fmt.Sprintf("/members/%s/roles/%s", memberID, roleID)
	return c.do(ctx, http.MethodPut, path, map[string]any{"reason": reason}, nil)
}

// Timeout mutes a member for the given duration.
func (c *HTTPClient) Timeout(ctx context.Context, memberID string, d time.Duration, reason string) error {
	path := fmt.Sprintf("/members/%s/timeout", memberID)
	return c.do(ctx, http.MethodPost, path, map[string]any{
		"duration_seconds": int64(d / time.Second),
		"reason":           reason,
	}, nil)
}

// Kick removes a member from the guild.
func (c *HTTPClient) Kick(ctx context.Context, memberID, reason string) error {
	path := fmt.Sprintf("/members/%s/kick", memberID)
	return c.do(ctx, http.MethodPost, path, map[string]any{"reason": reason}, nil)
}

// Ban bans a member.
func (c *HTTPClient) Ban(ctx context.Context, memberID, reason string) error {
	path := fmt.Sprintf("/members/%s/ban", memberID)
	return c.do(ctx, http.MethodPost, path, map[string]any{"reason": reason}, nil)
}

// Unban lifts a ban.
func (c *HTTPClient) Unban(ctx context.Context, memberID, reason string) error {
	path := fmt.Sprintf("/members/%s/ban", memberID)
	return c.do(ctx, http.MethodDelete, path, map[string]any{"reason": reason}, nil)
}
