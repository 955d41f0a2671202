package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend keeps records as JSON values under user:<internal id>.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(ctx context.Context, addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBackend{client: client}, nil
}

func userKey(internalID string) string { return "user:" + internalID }

func (b *RedisBackend) Load(ctx context.Context, internalID string) (*Record, error) {
	raw, err := b.client.Get(ctx, userKey(internalID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", internalID, err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", internalID, err)
	}
	return &r, nil
}

func (b *RedisBackend) Save(ctx context.Context, r *Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode user %s: %w", r.InternalID, err)
	}
	if err := b.client.Set(ctx, userKey(r.InternalID), raw, 0).Err(); err != nil {
		return fmt.Errorf("save user %s: %w", r.InternalID, err)
	}
	return nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }
