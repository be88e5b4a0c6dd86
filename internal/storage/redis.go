package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ RefreshStore = (*RedisRefreshStore)(nil)
	_ AttemptStore = (*RedisAttemptStore)(nil)
)

const (
	refreshPrefix = "signin:refresh:"
	attemptPrefix = "signin:attempt:"
	pendingPrefix = "signin:pending:"
)

// RedisRefreshStore keeps refresh tokens in Redis, expiring them with the key TTL.
type RedisRefreshStore struct {
	client *redis.Client
}

func NewRedisRefreshStore(client *redis.Client) *RedisRefreshStore {
	return &RedisRefreshStore{client: client}
}

func (s *RedisRefreshStore) Save(ctx context.Context, record RefreshRecord) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("storage: marshal refresh record: %w", err)
	}

	if err := s.client.Set(ctx, refreshPrefix+record.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("storage: save refresh record: %w", err)
	}
	return nil
}

func (s *RedisRefreshStore) Get(ctx context.Context, token string) (RefreshRecord, error) {
	data, err := s.client.Get(ctx, refreshPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return RefreshRecord{}, ErrNotFound
	}
	if err != nil {
		return RefreshRecord{}, fmt.Errorf("storage: get refresh record: %w", err)
	}

	var record RefreshRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return RefreshRecord{}, fmt.Errorf("storage: unmarshal refresh record: %w", err)
	}
	return record, nil
}

func (s *RedisRefreshStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, refreshPrefix+token).Err()
}

// Replace deletes previousToken and stores next in one transaction.
func (s *RedisRefreshStore) Replace(ctx context.Context, previousToken string, next RefreshRecord) error {
	if next.Nonce == "" {
		if prev, err := s.Get(ctx, previousToken); err == nil {
			next.Nonce = prev.Nonce
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("storage: marshal refresh record: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, refreshPrefix+previousToken)
		if ttl := time.Until(next.ExpiresAt); ttl > 0 {
			pipe.Set(ctx, refreshPrefix+next.Token, data, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: rotate refresh record: %w", err)
	}
	return nil
}

// RedisAttemptStore keeps sign-in attempts and unclaimed results in Redis so
// a callback can be picked up by any replica.
type RedisAttemptStore struct {
	client *redis.Client
}

func NewRedisAttemptStore(client *redis.Client) *RedisAttemptStore {
	return &RedisAttemptStore{client: client}
}

func (s *RedisAttemptStore) SaveAttempt(ctx context.Context, attempt Attempt) error {
	return s.set(ctx, attemptPrefix+attempt.State, attempt, attempt.ExpiresAt)
}

func (s *RedisAttemptStore) TakeAttempt(ctx context.Context, state string) (Attempt, error) {
	var attempt Attempt
	if err := s.take(ctx, attemptPrefix+state, &attempt); err != nil {
		if errors.Is(err, redis.Nil) {
			return Attempt{}, ErrAttemptNotFound
		}
		return Attempt{}, err
	}
	return attempt, nil
}

func (s *RedisAttemptStore) SavePending(ctx context.Context, result PendingResult) error {
	return s.set(ctx, pendingPrefix+result.DeviceID, result, result.ExpiresAt)
}

func (s *RedisAttemptStore) TakePending(ctx context.Context, deviceID string) (PendingResult, error) {
	var result PendingResult
	if err := s.take(ctx, pendingPrefix+deviceID, &result); err != nil {
		if errors.Is(err, redis.Nil) {
			return PendingResult{}, ErrPendingNotFound
		}
		return PendingResult{}, err
	}
	return result, nil
}

func (s *RedisAttemptStore) set(ctx context.Context, key string, value any, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("storage: %s already expired", key)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("storage: save %s: %w", key, err)
	}
	return nil
}

// take reads and deletes key atomically; redis.Nil is returned untouched.
func (s *RedisAttemptStore) take(ctx context.Context, key string, dst any) error {
	data, err := s.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return err
	}
	if err != nil {
		return fmt.Errorf("storage: take %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("storage: unmarshal %s: %w", key, err)
	}
	return nil
}
