package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantrush/invest-engine/internal/model"
)

const channelKeyPrefix = "channel:"

// RedisStore implements ChannelStore with channel records serialized as
// JSON values under channel:{id}. Channels are session state: Redis keeps
// them shared across instances without a relational schema.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed channel store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func channelKey(id string) string { return channelKeyPrefix + id }

func (s *RedisStore) Create(ctx context.Context, c *model.Channel) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal channel %s: %w", c.ID, err)
	}
	ok, err := s.rdb.SetNX(ctx, channelKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("create channel %s: %w", c.ID, err)
	}
	if !ok {
		return fmt.Errorf("channel %s already exists", c.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Channel, error) {
	data, err := s.rdb.Get(ctx, channelKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get channel %s: %w", id, ErrChannelNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s: %w", id, err)
	}

	var c model.Channel
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode channel %s: %w", id, err)
	}
	return &c, nil
}

func (s *RedisStore) Update(ctx context.Context, c *model.Channel) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal channel %s: %w", c.ID, err)
	}
	// XX: only replace an existing record, mirroring the memory store.
	ok, err := s.rdb.SetXX(ctx, channelKey(c.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("update channel %s: %w", c.ID, err)
	}
	if !ok {
		return fmt.Errorf("update channel %s: %w", c.ID, ErrChannelNotFound)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.rdb.Del(ctx, channelKey(id)).Err(); err != nil {
		return fmt.Errorf("delete channel %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]*model.Channel, error) {
	var channels []*model.Channel
	iter := s.rdb.Scan(ctx, 0, channelKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		data, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // deleted between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		var c model.Channel
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("decode channel %s: %w", iter.Val(), err)
		}
		channels = append(channels, &c)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return channels, nil
}
