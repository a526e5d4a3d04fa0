package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps quarantined messages in a sorted set of ids scored by quarantine time,
// with each message stored as JSON under its own key.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisClient connects to the Redis server at url
func NewRedisClient(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if password != "" {
		opts.Password = password
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return rdb, nil
}

// NewRedisStore creates a Redis-backed quarantine store
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) queueKey() string {
	return fmt.Sprintf("%s:quarantine", s.prefix)
}

func (s *RedisStore) messageKey(id string) string {
	return fmt.Sprintf("%s:quarantine:%s", s.prefix, id)
}

func (s *RedisStore) Add(ctx context.Context, msg *QuarantinedMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal quarantined message: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.messageKey(msg.ID), data, 0)
		pipe.ZAdd(ctx, s.queueKey(), redis.Z{
			Score:  float64(msg.QuarantinedAt.UnixNano()),
			Member: msg.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to quarantine message: %w", err)
	}

	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*QuarantinedMessage, error) {
	ids, err := s.rdb.ZRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange failed: %w", err)
	}

	messages := make([]*QuarantinedMessage, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, s.messageKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// payload gone but id still queued
			s.rdb.ZRem(ctx, s.queueKey(), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get quarantined message: %w", err)
		}

		var msg QuarantinedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		messages = append(messages, &msg)
	}

	return messages, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	removed, err := s.rdb.ZRem(ctx, s.queueKey(), id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from quarantine: %w", err)
	}

	if err := s.rdb.Del(ctx, s.messageKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete quarantined message: %w", err)
	}

	if removed == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *RedisStore) Count(ctx context.Context) (int, error) {
	count, err := s.rdb.ZCard(ctx, s.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard failed: %w", err)
	}

	return int(count), nil
}
