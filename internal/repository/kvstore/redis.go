package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jgivc/coursepull/internal/common"
	"github.com/redis/go-redis/v9"
)

const (
	scanCount = 1000
)

type redisStore struct {
	cl  *redis.Client
	log *slog.Logger
}

func NewRedisStore(cl *redis.Client, log *slog.Logger) *redisStore {
	return &redisStore{
		cl:  cl,
		log: log.With(slog.String("item", "RedisStore")),
	}
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.cl.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrKeyNotFound
		}

		return nil, fmt.Errorf("cannot get key %s: %w", key, err)
	}

	return val, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.cl.Set(ctx, key, value, 0).Result(); err != nil {
		return writeErr("set", key, err)
	}

	return nil
}

func (s *redisStore) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := s.cl.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return false, writeErr("setnx", key, err)
	}

	return ok, nil
}

// writeErr translates redis out-of-memory rejections into the quota
// sentinel the cache eviction fallback keys on.
func writeErr(op, key string, err error) error {
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("cannot %s key %s: %w", op, key, common.ErrQuotaExceeded)
	}

	return fmt.Errorf("cannot %s key %s: %w", op, key, err)
}

func (s *redisStore) Remove(ctx context.Context, key string) error {
	if _, err := s.cl.Del(ctx, key).Result(); err != nil {
		return fmt.Errorf("cannot remove key %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) GetAll(ctx context.Context, prefix string) (map[string][]byte, error) {
	pattern := prefix + "*"
	values := make(map[string][]byte)

	var cursor uint64
	for {
		keys, nextCursor, err := s.cl.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("error scanning keys: %w", err)
		}

		for _, key := range keys {
			val, err := s.cl.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Deleted between scan and get.
					continue
				}

				return nil, fmt.Errorf("cannot get key %s: %w", key, err)
			}

			values[key] = val
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return values, nil
}
