package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/org/enc/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "enc:session:"
	maxWatchRetries = 8
)

// RedisRepository stores sessions as JSON strings in Redis, for servers that
// share session state between hosts.
type RedisRepository struct {
	rdb *redis.Client
}

// NewRedisRepository wraps an existing client.
func NewRedisRepository(rdb *redis.Client) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

// Create implements Repository with SETNX.
func (r *RedisRepository) Create(ctx context.Context, s *models.Session) error {
	if !ValidID(s.SessionID) {
		return fmt.Errorf("invalid session id %q", s.SessionID)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, redisKey(s.SessionID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrExists, s.SessionID)
	}
	return nil
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, id string) (*models.Session, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return getRedis(ctx, r.rdb, id)
}

func getRedis(ctx context.Context, c redis.Cmdable, id string) (*models.Session, error) {
	data, err := c.Get(ctx, redisKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading session %s: %w", id, err)
	}
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", id, err)
	}
	return &s, nil
}

// Update implements Repository with an optimistic WATCH transaction,
// retried when another writer touched the key.
func (r *RedisRepository) Update(ctx context.Context, id string, fn func(s *models.Session) error) error {
	if !ValidID(id) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	key := redisKey(id)
	txf := func(tx *redis.Tx) error {
		s, err := getRedis(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("updating session %s: too much contention", id)
}

// Delete implements Repository.
func (r *RedisRepository) Delete(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	n, err := r.rdb.Del(ctx, redisKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("deleting session %s: %w", id, err)
	}
	return n > 0, nil
}

// List implements Repository by scanning the session key space.
func (r *RedisRepository) List(ctx context.Context) ([]*models.Session, error) {
	var out []*models.Session
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		s, err := getRedis(ctx, r.rdb, id)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
