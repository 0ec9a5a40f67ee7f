package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	penaltyCap    = time.Hour
	penaltyBase   = time.Second
	penaltyTTL    = penaltyCap
	seenTTL       = 24 * time.Hour
	penaltyPrefix = "webhook:penalty:"
	seenPrefix    = "webhook:seen:"
)

type penaltyState struct {
	Count        int       `json:"count"`
	BlockedUntil time.Time `json:"blocked_until"`
}

// RedisPenaltyStore backs PenaltyStore with Redis, keyed exactly as
// SPEC_FULL.md names it: "webhook:penalty:<source>:<ip>".
type RedisPenaltyStore struct {
	redis *redis.Client
}

// NewRedisPenaltyStore builds a RedisPenaltyStore over an existing client.
func NewRedisPenaltyStore(redisClient *redis.Client) *RedisPenaltyStore {
	return &RedisPenaltyStore{redis: redisClient}
}

func (s *RedisPenaltyStore) key(source, ip string) string {
	return penaltyPrefix + source + ":" + ip
}

func (s *RedisPenaltyStore) load(ctx context.Context, source, ip string) (penaltyState, error) {
	raw, err := s.redis.Get(ctx, s.key(source, ip)).Result()
	if errors.Is(err, redis.Nil) {
		return penaltyState{}, nil
	}
	if err != nil {
		return penaltyState{}, fmt.Errorf("webhook: load penalty state: %w", err)
	}
	var st penaltyState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return penaltyState{}, fmt.Errorf("webhook: unmarshal penalty state: %w", err)
	}
	return st, nil
}

func (s *RedisPenaltyStore) save(ctx context.Context, source, ip string, st penaltyState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("webhook: marshal penalty state: %w", err)
	}
	if err := s.redis.Set(ctx, s.key(source, ip), raw, penaltyTTL).Err(); err != nil {
		return fmt.Errorf("webhook: save penalty state: %w", err)
	}
	return nil
}

func (s *RedisPenaltyStore) Check(ctx context.Context, source, ip string) (blocked bool, retryAfter int, err error) {
	st, err := s.load(ctx, source, ip)
	if err != nil {
		return false, 0, err
	}
	if st.Count == 0 || !time.Now().Before(st.BlockedUntil) {
		return false, 0, nil
	}
	return true, int(math.Ceil(time.Until(st.BlockedUntil).Seconds())), nil
}

// RecordFailure increments the failure counter and sets the next
// backoff window: base 1s, doubling per consecutive failure, capped at
// 1h (spec.md §4.6).
func (s *RedisPenaltyStore) RecordFailure(ctx context.Context, source, ip string) error {
	st, err := s.load(ctx, source, ip)
	if err != nil {
		return err
	}
	st.Count++
	backoff := penaltyBase * time.Duration(1<<uint(st.Count-1))
	if backoff > penaltyCap || backoff <= 0 {
		backoff = penaltyCap
	}
	st.BlockedUntil = time.Now().Add(backoff)
	return s.save(ctx, source, ip, st)
}

func (s *RedisPenaltyStore) Clear(ctx context.Context, source, ip string) error {
	if err := s.redis.Del(ctx, s.key(source, ip)).Err(); err != nil {
		return fmt.Errorf("webhook: clear penalty state: %w", err)
	}
	return nil
}

// RedisSeenStore backs SeenStore with Redis SETNX, keyed as
// SPEC_FULL.md names it: "webhook:seen:<source>:<event_id>".
type RedisSeenStore struct {
	redis *redis.Client
}

// NewRedisSeenStore builds a RedisSeenStore over an existing client.
func NewRedisSeenStore(redisClient *redis.Client) *RedisSeenStore {
	return &RedisSeenStore{redis: redisClient}
}

func (s *RedisSeenStore) MarkSeen(ctx context.Context, source, eventID string) (bool, error) {
	key := seenPrefix + source + ":" + eventID
	inserted, err := s.redis.SetNX(ctx, key, "1", seenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("webhook: mark seen: %w", err)
	}
	return !inserted, nil
}
