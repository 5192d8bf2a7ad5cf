package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "hls:asset:"
	redisIndexKey  = "hls:assets"

	// redisUpdateRetries bounds how often Update re-reads after losing a WATCH race.
	redisUpdateRetries = 16
)

// ErrUpdateConflict is returned when Update keeps losing to concurrent writers.
var ErrUpdateConflict = errors.New("asset record changed concurrently")

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisStore keeps asset records in Redis so status survives restarts and can
// be polled from any replica. Each record is a JSON string; a set indexes ids.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Load implements Store.Load.
func (s *RedisStore) Load(ctx context.Context, id AssetID) (MediaAsset, bool, error) {
	val, err := s.client.Get(ctx, redisKeyPrefix+string(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return MediaAsset{}, false, nil
	}
	if err != nil {
		return MediaAsset{}, false, fmt.Errorf("redis get asset %s: %w", id, err)
	}
	var a MediaAsset
	if err := json.Unmarshal(val, &a); err != nil {
		return MediaAsset{}, false, fmt.Errorf("decode asset %s: %w", id, err)
	}
	return a, true, nil
}

// Save implements Store.Save.
func (s *RedisStore) Save(ctx context.Context, a MediaAsset) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode asset %s: %w", a.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, redisKeyPrefix+string(a.ID), data, 0)
		p.SAdd(ctx, redisIndexKey, string(a.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save asset %s: %w", a.ID, err)
	}
	return nil
}

// Update implements Store.Update with WATCH/MULTI/EXEC. The record key is
// watched while fn runs, so a write from another replica aborts the EXEC and
// the cycle restarts from a fresh read.
func (s *RedisStore) Update(ctx context.Context, id AssetID, fn UpdateFunc) (MediaAsset, error) {
	key := redisKeyPrefix + string(id)
	var result MediaAsset

	txf := func(tx *redis.Tx) error {
		var cur MediaAsset
		val, err := tx.Get(ctx, key).Bytes()
		exists := true
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return fmt.Errorf("redis get asset %s: %w", id, err)
		default:
			if err := json.Unmarshal(val, &cur); err != nil {
				return fmt.Errorf("decode asset %s: %w", id, err)
			}
		}

		next, err := fn(cur, exists)
		result = next
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode asset %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, 0)
			p.SAdd(ctx, redisIndexKey, string(id))
			return nil
		})
		return err
	}

	for i := 0; i < redisUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return MediaAsset{}, fmt.Errorf("%w: %s", ErrUpdateConflict, id)
}

// Remove implements Store.Remove.
func (s *RedisStore) Remove(ctx context.Context, id AssetID) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, redisKeyPrefix+string(id))
		p.SRem(ctx, redisIndexKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis remove asset %s: %w", id, err)
	}
	return nil
}

// List implements Store.List. Ids whose record vanished are skipped.
func (s *RedisStore) List(ctx context.Context) ([]MediaAsset, error) {
	ids, err := s.client.SMembers(ctx, redisIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list assets: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisKeyPrefix + id
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list assets: %w", err)
	}

	out := make([]MediaAsset, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var a MediaAsset
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode asset %s: %w", ids[i], err)
		}
		out = append(out, a)
	}
	sortByCreated(out)
	return out, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
