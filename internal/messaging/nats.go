// Package messaging provides a NATS client wrapper for pub/sub messaging
// across the moderation services. It handles connection lifecycle,
// subject-based subscriptions, and convenience methods for the guild
// event and verification channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across the moderation services.
const (
	SubjectGuildMessage  = "guild.message"
	SubjectMessageEdit   = "guild.message.edit"
	SubjectMessageDelete = "guild.message.delete"
	SubjectMemberJoin    = "guild.member.join"
	SubjectMemberLeave   = "guild.member.leave"
	SubjectMemberUpdate  = "guild.member.update"
	SubjectVoice         = "guild.voice"
	SubjectInteraction   = "guild.interaction"
	SubjectVerifyGranted = "verify.granted"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "warden",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishGuildMessage publishes a guild message event from the gateway.
func (c *NATSClient) PublishGuildMessage(data []byte) error {
	return c.Publish(SubjectGuildMessage, data)
}

// SubscribeGuildMessages subscribes to guild message events. Handlers run
// on the NATS delivery goroutine and must not block.
func (c *NATSClient) SubscribeGuildMessages(handler func(data []byte)) error {
	return c.Subscribe(SubjectGuildMessage, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMessageEdit publishes a message edit event.
func (c *NATSClient) PublishMessageEdit(data []byte) error {
	return c.Publish(SubjectMessageEdit, data)
}

// SubscribeMessageEdits subscribes to message edit events.
func (c *NATSClient) SubscribeMessageEdits(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessageEdit, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMessageDelete publishes a message delete event.
func (c *NATSClient) PublishMessageDelete(data []byte) error {
	return c.Publish(SubjectMessageDelete, data)
}

// SubscribeMessageDeletes subscribes to message delete events.
func (c *NATSClient) SubscribeMessageDeletes(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessageDelete, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMemberJoin publishes a member join event.
func (c *NATSClient) PublishMemberJoin(data []byte) error {
	return c.Publish(SubjectMemberJoin, data)
}

// SubscribeMemberJoins subscribes to member join events.
func (c *NATSClient) SubscribeMemberJoins(handler func(data []byte)) error {
	return c.Subscribe(SubjectMemberJoin, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMemberLeave publishes a member leave event.
func (c *NATSClient) PublishMemberLeave(data []byte) error {
	return c.Publish(SubjectMemberLeave, data)
}

// SubscribeMemberLeaves subscribes to member leave events.
func (c *NATSClient) SubscribeMemberLeaves(handler func(data []byte)) error {
	return c.Subscribe(SubjectMemberLeave, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishMemberUpdate publishes a member update event.
func (c *NATSClient) PublishMemberUpdate(data []byte) error {
	return c.Publish(SubjectMemberUpdate, data)
}

// SubscribeMemberUpdates subscribes to member update events.
func (c *NATSClient) SubscribeMemberUpdates(handler func(data []byte)) error {
	return c.Subscribe(SubjectMemberUpdate, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishVoiceEvent publishes a voice state event.
func (c *NATSClient) PublishVoiceEvent(data []byte) error {
	return c.Publish(SubjectVoice, data)
}

// SubscribeVoiceEvents subscribes to voice state events.
func (c *NATSClient) SubscribeVoiceEvents(handler func(data []byte)) error {
	return c.Subscribe(SubjectVoice, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishInteraction publishes a staff interaction event.
func (c *NATSClient) PublishInteraction(data []byte) error {
	return c.Publish(SubjectInteraction, data)
}

// SubscribeInteractions subscribes to staff interaction events.
func (c *NATSClient) SubscribeInteractions(handler func(data []byte)) error {
	return c.Subscribe(SubjectInteraction, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishVerifyGranted publishes a verification grant from the verifier.
func (c *NATSClient) PublishVerifyGranted(data []byte) error {
	return c.Publish(SubjectVerifyGranted, data)
}

// SubscribeVerifyGranted subscribes to verification grants.
func (c *NATSClient) SubscribeVerifyGranted(handler func(data []byte)) error {
	return c.Subscribe(SubjectVerifyGranted, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
