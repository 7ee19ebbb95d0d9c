// Package abuse tracks repeat-offense signals in Redis. Counters are
// simple INCR keys with TTL-based expiry:
//
//	Key:   abuse:flags:<member_id>    (flagged messages)
//	Key:   abuse:replays:<member_id>  (verification replay attempts)
//	TTL:   counter window
package abuse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// FlagsPrefix is the Redis key prefix for flagged-message counters.
	FlagsPrefix = "abuse:flags:"

	// ReplaysPrefix is the Redis key prefix for verification replay counters.
	ReplaysPrefix = "abuse:replays:"

	// CounterTTL is how long an offense counter lives in Redis. After 24h
	// without new offenses the counter resets to zero.
	CounterTTL = 24 * time.Hour

	// RepeatFlagThreshold is the number of flagged messages within
	// CounterTTL after which a member counts as a repeat offender.
	RepeatFlagThreshold = 3

	// ReplayAlertThreshold is the number of replayed verification tokens
	// within CounterTTL that warrants a staff alert.
	ReplayAlertThreshold = 2
)

// Store manages abuse counters in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new abuse store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// RecordFlag increments the flagged-message counter for a member and
// returns the new count. The counter TTL is set on first increment so the
// window does not slide.
func (s *Store) RecordFlag(ctx context.Context, memberID string) (int, error) {
	return s.bump(ctx, FlagsPrefix+memberID)
}

// RecordReplay increments the verification replay counter for a member
// and returns the new count.
func (s *Store) RecordReplay(ctx context.Context, memberID string) (int, error) {
	return s.bump(ctx, ReplaysPrefix+memberID)
}

// IsRepeatOffender reports whether the member's flagged-message count has
// reached RepeatFlagThreshold. Returns false if the counter does not
// exist. Redis errors are returned so callers can decide how to handle
// them (the recommended policy is fail-open).
func (s *Store) IsRepeatOffender(ctx context.Context, memberID string) (bool, error) {
	count, err := s.count(ctx, FlagsPrefix+memberID)
	if err != nil {
		return false, err
	}
	return count >= RepeatFlagThreshold, nil
}

// FlagCount returns the current flagged-message counter for a member.
// Returns 0 if the key does not exist (no offenses recorded or counter
// expired).
func (s *Store) FlagCount(ctx context.Context, memberID string) (int, error) {
	return s.count(ctx, FlagsPrefix+memberID)
}

// ReplayCount returns the current replay counter for a member.
func (s *Store) ReplayCount(ctx context.Context, memberID string) (int, error) {
	return s.count(ctx, ReplaysPrefix+memberID)
}

// Reset clears both counters for a member. Staff use this when an appeal
// succeeds.
func (s *Store) Reset(ctx context.Context, memberID string) error {
	if err := s.client.Del(ctx, FlagsPrefix+memberID, ReplaysPrefix+memberID).Err(); err != nil {
		return fmt.Errorf("abuse: reset %s: %w", memberID, err)
	}
	return nil
}

// bump atomically increments a counter and sets the TTL on first
// increment.
func (s *Store) bump(ctx context.Context, key string) (int, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("abuse: incr %s: %w", key, err)
	}

	// Set TTL only on first increment so the window doesn't slide.
	if count == 1 {
		if err := s.client.Expire(ctx, key, CounterTTL).Err(); err != nil {
			return int(count), fmt.Errorf("abuse: expire %s: %w", key, err)
		}
	}
	return int(count), nil
}

func (s *Store) count(ctx context.Context, key string) (int, error) {
	val, err := s.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
