package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// scanChunk bounds the number of keys examined per SCAN iteration so that
// pattern deletes never monopolize the server.
const scanChunk = 100

// Store is a key -> bytes cache with TTL, pattern deletion, and counter
// semantics. Values are opaque at this layer; callers own the encoding.
type Store struct {
	rdb *redis.Client
}

// Open parses a Redis URL, connects, and verifies connectivity.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("cache connected")
	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests backed by miniredis.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Get returns the value stored under key, or (nil, nil) on a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Set stores value under key with the given TTL. A zero TTL stores without
// expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// Delete removes a single key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

// DeletePattern removes every key matching the glob pattern and returns the
// number of keys deleted. Uses an incremental SCAN rather than KEYS so the
// operation stays O(matches) amortized and does not block the server. Matches
// are collected over the whole scan and then deleted in chunks, since deleting
// between SCAN pages can make the cursor skip keys not yet visited.
func (s *Store) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		matched []string
		deleted int
	)

	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, scanChunk).Result()
		if err != nil {
			return deleted, err
		}
		matched = append(matched, keys...)

		cursor = next
		if cursor == 0 {
			break
		}
	}

	for start := 0; start < len(matched); start += scanChunk {
		n, err := s.rdb.Del(ctx, matched[start:min(start+scanChunk, len(matched))]...).Result()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Increment adds n to the integer stored at key, creating it at zero if
// absent, and returns the new value.
func (s *Store) Increment(ctx context.Context, key string, n int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, n).Result()
}

// SetExpiry sets the TTL on an existing key.
func (s *Store) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// Close releases the underlying connection pool. The cache is not
// authoritative, so nothing is flushed.
func (s *Store) Close() error {
	return s.rdb.Close()
}
