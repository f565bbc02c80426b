package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	maxWatchRetries = 5
	scanBatchSize   = 100
)

// RedisStore implements Store on Redis.
//
// Layout under the prefix:
//
//	entry:<fingerprint>          JSON encoded Entry
//	id:<id>                      fingerprint
//	latest:<len>:<owner>:<domain> fingerprint of the latest entry
//	fingerprints                 set of every stored fingerprint
//
// Keys carry no Redis TTL; expiry is enforced on read and by PurgeExpired so
// expired rows stay visible to scans until purged.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

type RedisConfig struct {
	Prefix string
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client, config RedisConfig) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Tests only.
func (s *RedisStore) SetClock(now func() time.Time) { s.now = now }

// key builds the final Redis key with prefix.
func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *RedisStore) entryKey(fp string) string { return s.key("entry:" + fp) }
func (s *RedisStore) idKey(id string) string    { return s.key("id:" + id) }
func (s *RedisStore) setKey() string            { return s.key("fingerprints") }

// latestKey length-prefixes the owner so ("a:b", "c") and ("a", "b:c") differ.
func (s *RedisStore) latestKey(ownerID, domain string) string {
	return s.key(fmt.Sprintf("latest:%d:%s:%s", len(ownerID), ownerID, domain))
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, fp string) (*Entry, error) {
	raw, err := c.Get(ctx, s.entryKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode entry %s: %w", fp, err)
	}
	return &e, nil
}

func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis watch retries exhausted: %w", redis.TxFailedErr)
}

func (s *RedisStore) FindByFingerprint(ctx context.Context, fingerprint string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	e, err := s.load(ctx, s.client, fingerprint)
	if err != nil || !e.Valid(s.now()) {
		return nil, err
	}
	return e, nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	fp, err := s.client.Get(ctx, s.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	e, err := s.load(ctx, s.client, fp)
	if err != nil || e == nil || e.ID != id {
		return nil, err
	}
	return e, nil
}

func (s *RedisStore) FindLatest(ctx context.Context, ownerID, domain string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	fp, err := s.client.Get(ctx, s.latestKey(ownerID, domain)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	e, err := s.load(ctx, s.client, fp)
	if err != nil {
		return nil, err
	}
	if e == nil || !e.IsLatest || !e.Valid(s.now()) {
		return nil, nil
	}
	return e, nil
}

// prepare fills identity fields of row from the existing entry, if any.
// A requested id already indexed to another fingerprint is replaced.
func (s *RedisStore) prepare(ctx context.Context, tx *redis.Tx, row *Entry, existing *Entry) error {
	now := s.now()
	switch {
	case existing != nil:
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	case row.ID == "":
		row.ID = newID()
		row.CreatedAt = now
	default:
		if err := tx.Watch(ctx, s.idKey(row.ID)).Err(); err != nil {
			return err
		}
		err := tx.Get(ctx, s.idKey(row.ID)).Err()
		switch {
		case err == nil:
			row.ID = newID()
		case !errors.Is(err, redis.Nil):
			return fmt.Errorf("redis get failed: %w", err)
		}
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	return nil
}

func (s *RedisStore) queueWrite(ctx context.Context, pipe redis.Pipeliner, row *Entry) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	pipe.Set(ctx, s.entryKey(row.Fingerprint), data, 0)
	pipe.Set(ctx, s.idKey(row.ID), row.Fingerprint, 0)
	pipe.SAdd(ctx, s.setKey(), row.Fingerprint)
	if row.IsLatest {
		pipe.Set(ctx, s.latestKey(row.OwnerID, row.Domain), row.Fingerprint, 0)
	}
	return nil
}

func (s *RedisStore) Upsert(ctx context.Context, e *Entry) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	var stored *Entry
	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := s.load(ctx, tx, e.Fingerprint)
		if err != nil {
			return err
		}
		row := e.clone()
		if err := s.prepare(ctx, tx, row, existing); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueWrite(ctx, pipe, row)
		})
		if err != nil {
			return err
		}
		stored = row
		return nil
	}, s.entryKey(e.Fingerprint))
	if err != nil {
		return nil, fmt.Errorf("redis upsert failed: %w", err)
	}
	return stored, nil
}

func (s *RedisStore) UnsetLatest(ctx context.Context, ownerID, domain string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}

	pointer := s.latestKey(ownerID, domain)
	err := s.watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.unflagPrevious(ctx, tx, pointer, "")
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				if err := s.queueWrite(ctx, pipe, prev); err != nil {
					return err
				}
			}
			pipe.Del(ctx, pointer)
			return nil
		})
		return err
	}, pointer)
	if err != nil {
		return fmt.Errorf("redis unset latest failed: %w", err)
	}
	return nil
}

// unflagPrevious loads the entry the pointer references, watches it and
// returns it with IsLatest cleared. It returns nil when there is nothing to
// clear or the pointer already references skipFP.
func (s *RedisStore) unflagPrevious(ctx context.Context, tx *redis.Tx, pointer, skipFP string) (*Entry, error) {
	fp, err := tx.Get(ctx, pointer).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	if fp == skipFP {
		return nil, nil
	}
	if err := tx.Watch(ctx, s.entryKey(fp)).Err(); err != nil {
		return nil, err
	}

	prev, err := s.load(ctx, tx, fp)
	if err != nil || prev == nil || !prev.IsLatest {
		return nil, err
	}
	prev.IsLatest = false
	prev.UpdatedAt = s.now()
	return prev, nil
}

// StoreLatest swaps the latest pointer inside one WATCH/MULTI transaction.
func (s *RedisStore) StoreLatest(ctx context.Context, e *Entry) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	pointer := s.latestKey(e.OwnerID, e.Domain)

	var stored *Entry
	err := s.watch(ctx, func(tx *redis.Tx) error {
		prev, err := s.unflagPrevious(ctx, tx, pointer, e.Fingerprint)
		if err != nil {
			return err
		}
		existing, err := s.load(ctx, tx, e.Fingerprint)
		if err != nil {
			return err
		}

		row := e.clone()
		row.IsLatest = true
		if err := s.prepare(ctx, tx, row, existing); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				if err := s.queueWrite(ctx, pipe, prev); err != nil {
					return err
				}
			}
			return s.queueWrite(ctx, pipe, row)
		})
		if err != nil {
			return err
		}
		stored = row
		return nil
	}, pointer, s.entryKey(e.Fingerprint))
	if err != nil {
		return nil, fmt.Errorf("redis store latest failed: %w", err)
	}
	return stored, nil
}

func (s *RedisStore) UpdateByID(ctx context.Context, id string, a Artifact, expiresAt *time.Time) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	fp, err := s.client.Get(ctx, s.idKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var updated *Entry
	err = s.watch(ctx, func(tx *redis.Tx) error {
		e, err := s.load(ctx, tx, fp)
		if err != nil {
			return err
		}
		if e == nil || e.ID != id {
			return ErrNotFound
		}

		e.Artifact = a
		e.ExpiresAt = expiresAt
		e.UpdatedAt = s.now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.queueWrite(ctx, pipe, e)
		})
		if err != nil {
			return err
		}
		updated = e
		return nil
	}, s.entryKey(fp))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis update failed: %w", err)
	}
	return updated, nil
}

func (s *RedisStore) DeleteByFingerprint(ctx context.Context, fingerprint string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := s.delete(ctx, fingerprint); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (s *RedisStore) delete(ctx context.Context, fp string) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		e, err := s.load(ctx, tx, fp)
		if err != nil {
			return err
		}

		var pointer string
		if e != nil {
			pointer = s.latestKey(e.OwnerID, e.Domain)
			if err := tx.Watch(ctx, pointer).Err(); err != nil {
				return err
			}
			current, err := tx.Get(ctx, pointer).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if current != fp {
				pointer = ""
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.entryKey(fp))
			pipe.SRem(ctx, s.setKey(), fp)
			if e != nil {
				pipe.Del(ctx, s.idKey(e.ID))
			}
			if pointer != "" {
				pipe.Del(ctx, pointer)
			}
			return nil
		})
		return err
	}, s.entryKey(fp))
}

// scan walks the fingerprint set in batches and yields decoded entries.
func (s *RedisStore) scan(ctx context.Context, yield func(fp string, e *Entry) bool) error {
	var cursor uint64
	for {
		fps, next, err := s.client.SScan(ctx, s.setKey(), cursor, "", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis sscan failed: %w", err)
		}

		if len(fps) > 0 {
			keys := make([]string, len(fps))
			for i, fp := range fps {
				keys[i] = s.entryKey(fp)
			}
			values, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("redis mget failed: %w", err)
			}
			for i, v := range values {
				raw, ok := v.(string)
				if !ok {
					continue
				}
				var e Entry
				if err := json.Unmarshal([]byte(raw), &e); err != nil {
					return fmt.Errorf("decode entry %s: %w", fps[i], err)
				}
				if !yield(fps[i], &e) {
					return nil
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

func (s *RedisStore) ScanAll(ctx context.Context) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		err := s.scan(ctx, func(_ string, e *Entry) bool {
			return yield(Summary{ID: e.ID, CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt}, nil)
		})
		if err != nil {
			yield(Summary{}, err)
		}
	}
}

func (s *RedisStore) PurgeExpired(ctx context.Context) (int64, error) {
	now := s.now()

	var expired []string
	err := s.scan(ctx, func(fp string, e *Entry) bool {
		if !e.Valid(now) {
			expired = append(expired, fp)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	var n int64
	for _, fp := range expired {
		if err := s.delete(ctx, fp); err != nil {
			return n, fmt.Errorf("redis purge failed: %w", err)
		}
		n++
	}
	return n, nil
}

// Ping checks if Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Ping(ctx).Err()
}
