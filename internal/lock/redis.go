package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/madfam-io/sim4d-sub005/internal/util"
)

// RedisManager keeps the advisory lock table in Redis so multiple server
// instances share one view of who is editing what. The Redis TTL is the
// expiry: no sweep loop is needed, expired entries vanish on their own.
type RedisManager struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisManager(redisURL string, ttl time.Duration) (*RedisManager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisManagerWithClient(client, ttl), nil
}

func NewRedisManagerWithClient(client *redis.Client, ttl time.Duration) *RedisManager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisManager{client: client, prefix: "lock:", ttl: ttl}
}

func (m *RedisManager) key(nodeID string) string {
	return m.prefix + nodeID
}

func (m *RedisManager) userKey(userID string) string {
	return m.prefix + "user:" + userID
}

func (m *RedisManager) Acquire(ctx context.Context, nodeID, userID string) (Result, error) {
	now := time.Now()
	l := NodeLock{
		NodeID:     nodeID,
		UserID:     userID,
		LockID:     util.NewID("lock"),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	data, err := json.Marshal(l)
	if err != nil {
		return Result{}, fmt.Errorf("marshal lock: %w", err)
	}

	ok, err := m.client.SetNX(ctx, m.key(nodeID), data, m.ttl).Result()
	if err != nil {
		return Result{}, fmt.Errorf("acquire lock %q: %w", nodeID, err)
	}
	if ok {
		if err := m.trackOwnership(ctx, nodeID, userID); err != nil {
			return Result{}, err
		}
		return Result{Success: true, Lock: &l}, nil
	}

	existing, err := m.load(ctx, nodeID)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		// Lost the race against expiry; try once more.
		return m.Acquire(ctx, nodeID, userID)
	}
	if existing.UserID == userID {
		return m.Renew(ctx, nodeID, userID)
	}
	ttl, err := m.client.PTTL(ctx, m.key(nodeID)).Result()
	if err != nil || ttl < 0 {
		ttl = m.ttl
	}
	return Result{
		Success:    false,
		Lock:       existing,
		Reason:     ReasonLockedByOther,
		RetryAfter: ttl,
	}, nil
}

func (m *RedisManager) Release(ctx context.Context, nodeID, userID string) error {
	existing, err := m.load(ctx, nodeID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}
	if existing.UserID != userID {
		return ErrNotOwner
	}
	if err := m.client.Del(ctx, m.key(nodeID)).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", nodeID, err)
	}
	return m.client.SRem(ctx, m.userKey(userID), nodeID).Err()
}

func (m *RedisManager) Renew(ctx context.Context, nodeID, userID string) (Result, error) {
	existing, err := m.load(ctx, nodeID)
	if err != nil {
		return Result{}, err
	}
	if existing == nil {
		return Result{Success: false, Reason: ReasonNotLocked}, nil
	}
	if existing.UserID != userID {
		ttl, terr := m.client.PTTL(ctx, m.key(nodeID)).Result()
		if terr != nil || ttl < 0 {
			ttl = m.ttl
		}
		return Result{Success: false, Lock: existing, Reason: ReasonNotOwner, RetryAfter: ttl}, nil
	}

	existing.ExpiresAt = time.Now().Add(m.ttl)
	existing.RenewCount++
	if err := m.store(ctx, *existing); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Lock: existing}, nil
}

func (m *RedisManager) Steal(ctx context.Context, nodeID, userID string, force bool) (Result, error) {
	if !force {
		return m.Acquire(ctx, nodeID, userID)
	}
	existing, err := m.load(ctx, nodeID)
	if err != nil {
		return Result{}, err
	}
	now := time.Now()
	l := NodeLock{
		NodeID:     nodeID,
		UserID:     userID,
		LockID:     util.NewID("lock"),
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	if existing != nil && existing.UserID != userID {
		l.StolenFrom = existing.UserID
		_ = m.client.SRem(ctx, m.userKey(existing.UserID), nodeID).Err()
	}
	if err := m.store(ctx, l); err != nil {
		return Result{}, err
	}
	if err := m.trackOwnership(ctx, nodeID, userID); err != nil {
		return Result{}, err
	}
	return Result{Success: true, Lock: &l}, nil
}

func (m *RedisManager) Get(ctx context.Context, nodeID string) (*NodeLock, error) {
	return m.load(ctx, nodeID)
}

func (m *RedisManager) LocksByUser(ctx context.Context, userID string) ([]NodeLock, error) {
	nodeIDs, err := m.client.SMembers(ctx, m.userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list locks for %q: %w", userID, err)
	}
	var out []NodeLock
	for _, nodeID := range nodeIDs {
		l, err := m.load(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if l != nil && l.UserID == userID {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (m *RedisManager) ReleaseAll(ctx context.Context, userID string) error {
	locks, err := m.LocksByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if err := m.Release(ctx, l.NodeID, userID); err != nil && err != ErrNotOwner {
			return err
		}
	}
	return m.client.Del(ctx, m.userKey(userID)).Err()
}

func (m *RedisManager) load(ctx context.Context, nodeID string) (*NodeLock, error) {
	data, err := m.client.Get(ctx, m.key(nodeID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load lock %q: %w", nodeID, err)
	}
	var l NodeLock
	if err := json.Unmarshal([]byte(data), &l); err != nil {
		return nil, fmt.Errorf("decode lock %q: %w", nodeID, err)
	}
	return &l, nil
}

func (m *RedisManager) store(ctx context.Context, l NodeLock) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := m.client.Set(ctx, m.key(l.NodeID), data, m.ttl).Err(); err != nil {
		return fmt.Errorf("store lock %q: %w", l.NodeID, err)
	}
	return nil
}

func (m *RedisManager) trackOwnership(ctx context.Context, nodeID, userID string) error {
	if err := m.client.SAdd(ctx, m.userKey(userID), nodeID).Err(); err != nil {
		return fmt.Errorf("track lock owner: %w", err)
	}
	return nil
}

func (m *RedisManager) Close() error {
	return m.client.Close()
}
