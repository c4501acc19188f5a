package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a key or hash does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the shared Redis instance. All persistent state and every
// cross-process queue lives here; in-memory structures elsewhere are caches.
//
// Two connections are held: the main pooled client for request traffic and a
// dedicated client for blocking list operations (BRPOP/BLMOVE), so a parked
// blocking read can never starve request I/O.
type Store struct {
	rdb      *redis.Client
	blocking *redis.Client
	prefix   string
	log      zerolog.Logger
}

func Connect(ctx context.Context, redisURL, prefix string, log zerolog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	blockOpts := *opts
	blockOpts.PoolSize = 1
	blocking := redis.NewClient(&blockOpts)

	log.Info().Str("prefix", prefix).Msg("store connected")
	return &Store{rdb: rdb, blocking: blocking, prefix: prefix, log: log}, nil
}

func (s *Store) Close() error {
	err := s.rdb.Close()
	if berr := s.blocking.Close(); err == nil {
		err = berr
	}
	return err
}

func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

// Key prepends the configured namespace prefix, so one Redis instance can
// host multiple logical deployments.
func (s *Store) Key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

// Prefix returns the configured key namespace.
func (s *Store) Prefix() string { return s.prefix }

// --- strings ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

// GetSet atomically writes value with the given expiry and returns the prior
// value. existed is false when no prior value was present; among concurrent
// callers exactly one observes existed == false.
func (s *Store) GetSet(ctx context.Context, key, value string, ttl time.Duration) (prior string, existed bool, err error) {
	prior, err = s.rdb.SetArgs(ctx, key, value, redis.SetArgs{TTL: ttl, Get: true}).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return prior, true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// TTL returns the remaining lifetime of key; -1 means no expiry is set.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	return s.rdb.TTL(ctx, key).Result()
}

// --- hashes ---

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return m, nil
}

// HSet merges fields into the hash at key. Field writes are last-writer-wins;
// callers rely on every field being either identity data or monotonic.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return s.rdb.HSet(ctx, key, args...).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// --- lists ---

func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.LPush(ctx, key, args...).Err()
}

func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.RPush(ctx, key, args...).Err()
}

// LRange returns the elements between start and stop inclusive (0, -1 = all).
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// LRem removes all occurrences of value from the list.
func (s *Store) LRem(ctx context.Context, key, value string) error {
	return s.rdb.LRem(ctx, key, 0, value).Err()
}

// LRewrite atomically replaces the list contents with values (in order).
func (s *Store) LRewrite(ctx context.Context, key string, values []string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(values) > 0 {
		args := make([]any, len(values))
		for i, v := range values {
			args[i] = v
		}
		pipe.RPush(ctx, key, args...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// BRPop blocks on the dedicated connection until an element is available at
// the tail of key or the timeout elapses. Returns ErrNotFound on timeout.
func (s *Store) BRPop(ctx context.Context, key string, timeout time.Duration) (string, error) {
	res, err := s.blocking.BRPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// res is [key, value]
	return res[1], nil
}

// BLMoveHead blocks until the list has a head element, then moves it back to
// the head and returns it. With source == destination this observes the head
// without consuming it; the suspend path uses it to confirm a live peer.
func (s *Store) BLMoveHead(ctx context.Context, key string, timeout time.Duration) (string, error) {
	v, err := s.blocking.BLMove(ctx, key, key, "LEFT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return v, err
}

// WakeBlockedReader pushes and immediately removes a sentinel so a reader
// parked in BRPop returns promptly during shutdown.
func (s *Store) WakeBlockedReader(ctx context.Context, key string) error {
	const sentinel = "__wake__"
	if err := s.rdb.LPush(ctx, key, sentinel).Err(); err != nil {
		return err
	}
	return s.rdb.LRem(ctx, key, 0, sentinel).Err()
}

// --- sets ---

func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SAdd(ctx, key, args...).Err()
}

func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.SRem(ctx, key, args...).Err()
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Store) SCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.SCard(ctx, key).Result()
}

// --- scans (maintenance only, not on the request path) ---

// ScanKeys returns every key matching pattern. The match is applied to the
// raw key, so callers should include the namespace prefix.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
