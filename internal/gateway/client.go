// Package gateway maintains the outbound WebSocket connection to the chat
// platform's event gateway. It dials, identifies, heartbeats, and fans the
// received guild events out onto NATS subjects for the moderator service.
//
// The gateway is intentionally dumb: it never interprets event contents
// beyond the type discriminator. Reconnects use capped exponential backoff
// and every reconnect re-identifies from scratch.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/warden/modbot/internal/messaging"
	"github.com/warden/modbot/internal/protocol"
)

// Publisher is the slice of the messaging client the gateway needs.
type Publisher interface {
	PublishGuildMessage(data []byte) error
	PublishMessageEdit(data []byte) error
	PublishMessageDelete(data []byte) error
	PublishMemberJoin(data []byte) error
	PublishMemberLeave(data []byte) error
	PublishMemberUpdate(data []byte) error
	PublishVoiceEvent(data []byte) error
	PublishInteraction(data []byte) error
}

var _ Publisher = (*messaging.NATSClient)(nil)

// Config holds gateway connection settings.
type Config struct {
	URL          string // wss://... gateway endpoint
	Token        string // bot token for identify
	GuildID      string
	DialTimeout  time.Duration
	ReconnectMin time.Duration // first backoff step
	ReconnectMax time.Duration // backoff cap
}

// DefaultConfig returns sensible defaults for everything but the
// credentials.
func DefaultConfig(url, token, guildID string) Config {
	return Config{
		URL:          url,
		Token:        token,
		GuildID:      guildID,
		DialTimeout:  10 * time.Second,
		ReconnectMin: time.Second,
		ReconnectMax: time.Minute,
	}
}

// Client is the gateway connection manager.
type Client struct {
	cfg Config
	pub Publisher
}

// New creates a gateway client publishing to pub.
func New(cfg Config, pub Publisher) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = time.Minute
	}
	return &Client{cfg: cfg, pub: pub}
}

// Run connects and serves the gateway session, reconnecting with backoff
// until ctx is cancelled. Run blocks; the caller owns the goroutine.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[gateway] session ended: %v; reconnecting in %s", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
		if err == nil {
			// Clean close resets the backoff ladder.
			backoff = c.cfg.ReconnectMin
		}
	}
}

// runSession performs one full gateway session: dial, hello/identify
// handshake, heartbeat loop, then the read loop until the connection dies
// or ctx is cancelled.
func (c *Client) runSession(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	conn, _, _, err := ws.Dial(dialCtx, c.cfg.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("gateway: dial %s: %w", c.cfg.URL, err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msgType string, payload interface{}) error {
		data, err := protocol.Encode(msgType, payload)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return wsutil.WriteClientMessage(conn, ws.OpText, data)
	}

	// The server speaks first with a hello carrying the heartbeat cadence.
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return fmt.Errorf("gateway: read hello: %w", err)
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(data, &hello); err != nil || hello.Type != protocol.TypeHello {
		return fmt.Errorf("gateway: expected hello, got %q", data)
	}
	hbInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	if hbInterval <= 0 {
		hbInterval = 30 * time.Second
	}

	if err := send(protocol.TypeIdentify, protocol.IdentifyMsg{
		Token:   c.cfg.Token,
		GuildID: c.cfg.GuildID,
	}); err != nil {
		return fmt.Errorf("gateway: identify: %w", err)
	}

	// Heartbeat goroutine. Closing the connection unblocks the read loop,
	// so a dead heartbeat write tears the whole session down.
	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		ticker := time.NewTicker(hbInterval)
		defer ticker.Stop()
		var seq int64
		for {
			select {
			case <-sessionCtx.Done():
				return
			case <-ticker.C:
				seq++
				if err := send(protocol.TypeHeartbeat, protocol.HeartbeatMsg{Seq: seq}); err != nil {
					log.Printf("[gateway] heartbeat: %v", err)
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("gateway: read: %w", err)
		}
		if err := c.handleEvent(data); err != nil {
			// A single bad event must not kill the session.
			log.Printf("[gateway] %v", err)
		}
	}
}

// handleEvent routes one raw gateway event onto its NATS subject. Events
// the moderator does not consume (hello, ready, heartbeat acks) are
// dropped here.
func (c *Client) handleEvent(data []byte) error {
	msgType, _, err := protocol.ParseGatewayEvent(data)
	if err != nil {
		return err
	}

	switch msgType {
	case protocol.TypeMessage:
		return c.pub.PublishGuildMessage(data)
	case protocol.TypeMessageEdit:
		return c.pub.PublishMessageEdit(data)
	case protocol.TypeMessageDelete:
		return c.pub.PublishMessageDelete(data)
	case protocol.TypeMemberJoin:
		return c.pub.PublishMemberJoin(data)
	case protocol.TypeMemberLeave:
		return c.pub.PublishMemberLeave(data)
	case protocol.TypeMemberUpdate:
		return c.pub.PublishMemberUpdate(data)
	case protocol.TypeVoiceState:
		return c.pub.PublishVoiceEvent(data)
	case protocol.TypeInteraction:
		return c.pub.PublishInteraction(data)
	case protocol.TypeHello, protocol.TypeHeartbeatAck:
		return nil
	case protocol.TypeReady:
		var ready protocol.ReadyMsg
		if err := json.Unmarshal(data, &ready); err == nil {
			log.Printf("[gateway] ready session=%s guild=%s", ready.SessionID, ready.GuildID)
		}
		return nil
	}
	return nil
}
