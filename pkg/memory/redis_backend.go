package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is the fast key-value store, first in the default
// routing order. Items live under mem:<domain>:<key> with a per-domain
// index set.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

func (b *RedisBackend) Name() string { return "redis" }

func itemKey(domain, key string) string { return "mem:" + domain + ":" + key }
func indexKey(domain string) string     { return "mem:index:" + domain }

func (b *RedisBackend) Store(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, itemKey(item.Domain, item.Key), data, 0)
	pipe.SAdd(ctx, indexKey(item.Domain), item.Key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: redis: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) Fetch(ctx context.Context, q Query) (*Result, error) {
	if q.Key != "" {
		data, err := b.client.Get(ctx, itemKey(q.Domain, q.Key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return &Result{}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: redis: %v", ErrBackendUnavailable, err)
		}
		item, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		if matches(*item, q) {
			return &Result{Items: []Item{*item}}, nil
		}
		return &Result{}, nil
	}

	keys, err := b.client.SMembers(ctx, indexKey(q.Domain)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis: %v", ErrBackendUnavailable, err)
	}
	res := &Result{}
	for _, key := range keys {
		data, err := b.client.Get(ctx, itemKey(q.Domain, key)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: redis: %v", ErrBackendUnavailable, err)
		}
		item, err := decodeItem(data)
		if err != nil {
			return nil, err
		}
		if !matches(*item, q) {
			continue
		}
		res.Items = append(res.Items, *item)
		if q.Limit > 0 && len(res.Items) >= q.Limit {
			break
		}
	}
	return res, nil
}

func decodeItem(data []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return &item, nil
}
