package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	cachekey "github.com/always-cache/edgecache/pkg/cache-key"

	rediscache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces keys written by RedisStore.
const DefaultRedisPrefix = "edgecache:"

// RedisClient is the subset of the go-redis client RedisStore needs.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd
	SetXX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisStore keeps entries in Redis, optionally fronted by a local in-process tier.
// Redis expires keys on its own, so no sweeping is needed.
type RedisStore struct {
	client     RedisClient
	redisCache *rediscache.Cache
	localCache rediscache.LocalCache
	prefix     string
	now        func() time.Time
}

var (
	_ Store  = (*RedisStore)(nil)
	_ Pinger = (*RedisStore)(nil)
)

type RedisOption interface {
	apply(opts *redisOptions)
}

type redisOptions struct {
	prefix     string
	localCache rediscache.LocalCache
}

type prefixOption struct {
	prefix string
}

func (o prefixOption) apply(opts *redisOptions) {
	opts.prefix = o.prefix
}

// WithPrefix replaces DefaultRedisPrefix.
func WithPrefix(prefix string) prefixOption {
	return prefixOption{prefix}
}

type localCacheOption struct {
	localCache rediscache.LocalCache
}

func (o localCacheOption) apply(opts *redisOptions) {
	opts.localCache = o.localCache
}

// WithLocalCache adds an in-process tier in front of Redis,
// e.g. rediscache.NewTinyLFU(size, ttl).
func WithLocalCache(localCache rediscache.LocalCache) localCacheOption {
	return localCacheOption{localCache}
}

func NewRedisStore(client RedisClient, opts ...RedisOption) *RedisStore {
	options := &redisOptions{
		prefix: DefaultRedisPrefix,
	}
	for _, o := range opts {
		o.apply(options)
	}
	return &RedisStore{
		client: client,
		redisCache: rediscache.New(&rediscache.Options{
			Redis:      client,
			LocalCache: options.localCache,
		}),
		localCache: options.localCache,
		prefix:     options.prefix,
		now:        time.Now,
	}
}

func (s *RedisStore) Match(ctx context.Context, key cachekey.Key) (*Entry, bool, error) {
	k := s.prefix + key.String()
	var b []byte
	if err := s.redisCache.Get(ctx, k, &b); err != nil {
		if errors.Is(err, rediscache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis lookup: %w", err)
	}
	entry, err := decodeEntry(b)
	if err != nil {
		return nil, false, err
	}
	// the local tier keeps items for its own fixed ttl
	if !entry.Fresh(s.now()) {
		s.forgetLocal(k)
		return nil, false, nil
	}
	return entry, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key cachekey.Key, entry *Entry) error {
	ttl := entry.TTL(s.now())
	if ttl <= 0 {
		return nil
	}
	// go-redis/cache replaces sub-second ttls with its one hour default
	if ttl < time.Second {
		ttl = time.Second
	}
	b, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	k := s.prefix + key.String()
	// the local tier does not overwrite keys it already holds
	s.forgetLocal(k)
	err = s.redisCache.Set(&rediscache.Item{
		Ctx:   ctx,
		Key:   k,
		Value: b,
		TTL:   ttl,
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) forgetLocal(key string) {
	if s.localCache != nil {
		s.localCache.Del(key)
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
