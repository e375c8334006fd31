package redis

import (
	"context"
	"errors"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"posadmin/backend/internal/store"
)

// Store is a Substrate shared through a Redis server. Every key is namespaced
// with Prefix so several deployments can share one database.
type Store struct {
	client *redis.Client
	prefix string
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func New(opts Options) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Store{client: client, prefix: opts.Prefix}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value string) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old string, oldPresent bool, value string) (bool, error) {
	full := s.prefix + key
	swapped := false
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, full).Result()
		present := true
		if errors.Is(err, redis.Nil) {
			present = false
		} else if err != nil {
			return err
		}
		if present != oldPresent || (present && current != old) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, full, value, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, full)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0, 32)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *Store) Usage(ctx context.Context) (int64, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := s.client.Pipeline()
	lengths := make([]*redis.IntCmd, len(keys))
	for i, key := range keys {
		lengths[i] = pipe.StrLen(ctx, s.prefix+key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	var used int64
	for i, key := range keys {
		used += int64(len(key)) + lengths[i].Val()
	}
	return used, nil
}

var _ store.Substrate = (*Store)(nil)
