package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashureev/coursechat/internal/domain"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "coursechat:session:"

// RedisSessionStore keeps each history in a Redis list. Idle slots expire
// through key TTLs, so no sweeper is needed.
type RedisSessionStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore connects to addr and verifies the connection.
func NewRedisSessionStore(ctx context.Context, addr string, ttl time.Duration) (*RedisSessionStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisSessionStore{rdb: rdb, ttl: ttl}, nil
}

func redisSessionKey(key domain.SessionKey) string {
	return fmt.Sprintf("%s%s:%d", redisKeyPrefix, key.UserID, key.CourseID)
}

// Append pushes the message to the tail of the slot's list.
func (r *RedisSessionStore) Append(ctx context.Context, key domain.SessionKey, msg domain.ConversationMessage) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	k := redisSessionKey(key)
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, k, raw)
	if r.ttl > 0 {
		pipe.Expire(ctx, k, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis append: %w", err)
	}
	return nil
}

// Read returns the whole list, oldest first.
func (r *RedisSessionStore) Read(ctx context.Context, key domain.SessionKey) ([]domain.ConversationMessage, error) {
	items, err := r.rdb.LRange(ctx, redisSessionKey(key), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read: %w", err)
	}
	history := make([]domain.ConversationMessage, 0, len(items))
	for _, item := range items {
		var msg domain.ConversationMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		history = append(history, msg)
	}
	return history, nil
}

// Reset deletes the slot's list.
func (r *RedisSessionStore) Reset(ctx context.Context, key domain.SessionKey) error {
	if err := r.rdb.Del(ctx, redisSessionKey(key)).Err(); err != nil {
		return fmt.Errorf("redis reset: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (r *RedisSessionStore) Close() error {
	return r.rdb.Close()
}

// Ping checks the Redis connection.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
