package token

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// LivePrefix keys the single live session per member.
	LivePrefix = "verify:live:"
	// ConsumedPrefix keys consumed nonces, kept until the token would
	// have expired anyway so replays stay distinguishable.
	ConsumedPrefix = "verify:used:"
)

// consumeScript retires a live session atomically. Checking the consumed
// marker, comparing the live nonce and deleting it must be one step or two
// concurrent validations of the same token could both pass.
var consumeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 'replayed'
end
local live = redis.call('GET', KEYS[1])
if live == false then
	return 'expired'
end
if live ~= ARGV[1] then
	return 'superseded'
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], '1', 'EX', ARGV[2])
return 'ok'
`)

// RedisStore is the production SessionStore. Live sessions expire via key
// TTL, which doubles as the expiry sweep.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a session store on the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// PutLive records the member's live session, superseding any previous one.
func (s *RedisStore) PutLive(ctx context.Context, memberID, nonce string, ttl time.Duration) error {
	return s.client.Set(ctx, LivePrefix+memberID, nonce, ttl).Err()
}

// Consume retires the live session if nonce is still current.
func (s *RedisStore) Consume(ctx context.Context, memberID, nonce string, remaining time.Duration) error {
	secs := int64(remaining / time.Second)
	if secs < 1 {
		secs = 1
	}
	keys := []string{LivePrefix + memberID, ConsumedPrefix + nonce}
	res, err := consumeScript.Run(ctx, s.client, keys, nonce, secs).Text()
	if err != nil {
		return fmt.Errorf("token: consume: %w", err)
	}
	switch res {
	case "ok":
		return nil
	case "replayed":
		return ErrReplayed
	case "superseded":
		return ErrSuperseded
	default:
		return ErrExpired
	}
}

// MemoryStore is an in-process SessionStore for single-instance
// deployments and tests. It mirrors the Redis semantics exactly.
type MemoryStore struct {
	mu       sync.Mutex
	live     map[string]memorySession
	consumed map[string]time.Time
	now      func() time.Time
}

type memorySession struct {
	nonce   string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		live:     make(map[string]memorySession),
		consumed: make(map[string]time.Time),
		now:      time.Now,
	}
}

// PutLive records the member's live session, superseding any previous one.
func (s *MemoryStore) PutLive(ctx context.Context, memberID, nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[memberID] = memorySession{nonce: nonce, expires: s.now().Add(ttl)}
	return nil
}

// Consume retires the live session if nonce is still current.
func (s *MemoryStore) Consume(ctx context.Context, memberID, nonce string, remaining time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, ok := s.consumed[nonce]; ok && now.Before(until) {
		return ErrReplayed
	}
	sess, ok := s.live[memberID]
	if !ok || now.After(sess.expires) {
		delete(s.live, memberID)
		return ErrExpired
	}
	if sess.nonce != nonce {
		return ErrSuperseded
	}
	delete(s.live, memberID)
	s.consumed[nonce] = now.Add(remaining)
	return nil
}
