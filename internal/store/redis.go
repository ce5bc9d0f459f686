package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/handoff/internal/auth"
	"github.com/rendis/handoff/internal/tasks"
	"github.com/rendis/handoff/pkg/schema"
)

// DefaultRedisPrefix namespaces every key the Redis store writes.
const DefaultRedisPrefix = "handoff"

// RedisStore implements Store on Redis.
//
// Keys:
//
//	{prefix}:task:{id}       JSON task document
//	{prefix}:owner:{owner}   sorted set of task ids scored by creation time
//	{prefix}:finished        sorted set of terminal task ids scored by update time
//
// Updates run under WATCH on the task key and retry when another writer wins.
type RedisStore struct {
	client *redis.Client
	prefix string
	policy auth.Policy
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client, prefix string, policy auth.Policy) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix, policy: policy}
}

func (s *RedisStore) taskKey(id string) string     { return fmt.Sprintf("%s:task:%s", s.prefix, id) }
func (s *RedisStore) ownerKey(owner string) string { return fmt.Sprintf("%s:owner:%s", s.prefix, owner) }
func (s *RedisStore) finishedKey() string          { return s.prefix + ":finished" }

func (s *RedisStore) Policy() auth.Policy { return s.policy }

// Migrate checks connectivity; Redis has no schema.
func (s *RedisStore) Migrate(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storeError("ping redis", err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

// Create writes the task document and its index entries in one MULTI/EXEC
// under WATCH on the task key, so a task is never stored without its owner
// index entry.
func (s *RedisStore) Create(ctx context.Context, t *tasks.Task) error {
	if err := checkNew(t); err != nil {
		return err
	}
	data, err := encodeTask(t)
	if err != nil {
		return err
	}
	key := s.taskKey(t.ID)

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return storeError("create task", err)
		}
		if n > 0 {
			return duplicate(t.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.ownerKey(t.Owner), &redis.Z{Score: score(t.CreatedAt), Member: t.ID})
			if t.Terminal() {
				pipe.ZAdd(ctx, s.finishedKey(), &redis.Z{Score: score(t.UpdatedAt), Member: t.ID})
			}
			return nil
		})
		return err
	}

	// A writer racing on the same id makes EXEC fail; the retry then sees the
	// key and reports a duplicate.
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			if schema.CodeOf(err) != "" {
				return err
			}
			return storeError("create task", err)
		}
		return nil
	}
	return contention(t.ID)
}

func (s *RedisStore) decodeOwned(data []byte, owner, id string) (*tasks.Task, error) {
	t, err := decodeTask(data)
	if err != nil {
		return nil, storeError("decode task", err)
	}
	if t.Owner != owner {
		return nil, notFound(id)
	}
	return t, nil
}

func (s *RedisStore) Get(ctx context.Context, owner, id string) (*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, storeError("get task", err)
	}
	return s.decodeOwned(data, owner, id)
}

func (s *RedisStore) Update(ctx context.Context, owner, id string, fn func(*tasks.Task) error) (*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	key := s.taskKey(id)
	var updated *tasks.Task

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return notFound(id)
		}
		if err != nil {
			return storeError("get task", err)
		}
		t, err := s.decodeOwned(data, owner, id)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		t.Version++
		next, err := encodeTask(t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			if t.Terminal() {
				pipe.ZAdd(ctx, s.finishedKey(), &redis.Z{Score: score(t.UpdatedAt), Member: id})
			} else {
				pipe.ZRem(ctx, s.finishedKey(), id)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = t
		return nil
	}

	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, contention(id)
}

func (s *RedisStore) ListByOwner(ctx context.Context, owner string, filter ListFilter) ([]*tasks.Task, error) {
	if err := checkOwner(owner); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRevRange(ctx, s.ownerKey(owner), 0, -1).Result()
	if err != nil {
		return nil, storeError("list task ids", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.taskKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storeError("load tasks", err)
	}

	var out []*tasks.Task
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Purged between the index read and the load.
			continue
		}
		t, err := s.decodeOwned([]byte(raw), owner, ids[i])
		if err != nil {
			return nil, err
		}
		if matches(t, filter) {
			out = append(out, t)
		}
	}
	sortNewest(out)
	return applyLimit(out, filter.Limit), nil
}

func (s *RedisStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.finishedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(before.UnixNano(), 10),
	}).Result()
	if err != nil {
		return 0, storeError("scan finished tasks", err)
	}

	n := 0
	for _, id := range ids {
		key := s.taskKey(id)
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return tx.ZRem(ctx, s.finishedKey(), id).Err()
			}
			if err != nil {
				return err
			}
			t, err := decodeTask(data)
			if err != nil {
				return err
			}
			// Reopened or touched since it was indexed.
			if !purgeable(t, before) {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, s.ownerKey(t.Owner), id)
				pipe.ZRem(ctx, s.finishedKey(), id)
				return nil
			})
			if err == nil {
				n++
			}
			return err
		}, key)
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return n, storeError("purge task", err)
		}
	}
	return n, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixNano())
}
