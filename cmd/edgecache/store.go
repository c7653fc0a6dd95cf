package main

import (
	"context"
	"fmt"

	"github.com/always-cache/edgecache/cache"

	rediscache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// newStore opens the configured store. The returned func releases it.
func newStore(ctx context.Context, config Config) (cache.Store, func() error, error) {
	noop := func() error { return nil }
	// expired entries are swept at most once per ttl
	sweepEach := config.TTL

	switch config.Store.Provider {
	case "memory":
		return cache.NewMemStore(sweepEach), noop, nil

	case "sqlite":
		filename := config.Store.SQLite
		if filename == "memory" {
			filename = ""
		}
		store, err := cache.NewSQLiteStore(filename, sweepEach)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "redis":
		opts, err := redis.ParseURL(config.Store.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		var storeOpts []cache.RedisOption
		if config.Store.LocalCacheSize > 0 {
			storeOpts = append(storeOpts, cache.WithLocalCache(rediscache.NewTinyLFU(config.Store.LocalCacheSize, config.TTL)))
		}
		return cache.NewRedisStore(client, storeOpts...), client.Close, nil

	case "postgres":
		store, err := cache.NewPostgresStore(ctx, config.Store.Postgres, sweepEach)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store provider %q", config.Store.Provider)
}
