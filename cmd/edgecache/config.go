package main

import (
	"fmt"
	"os"
	"time"

	"github.com/always-cache/edgecache"
	responsetransformer "github.com/always-cache/edgecache/pkg/response-transformer"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port               int                      `yaml:"port" validate:"min=1,max=65535"`
	AdminPort          int                      `yaml:"adminPort" validate:"min=0,max=65535,nefield=Port"`
	Origin             string                   `yaml:"origin" validate:"required,url"`
	Host               string                   `yaml:"host"`
	Scheme             string                   `yaml:"scheme" validate:"oneof=http https"`
	Endpoints          []string                 `yaml:"endpoints" validate:"dive,url"`
	TTL                time.Duration            `yaml:"ttl"`
	ErrorStatus        int                      `yaml:"errorStatus" validate:"min=100,max=599"`
	FetchTimeout       time.Duration            `yaml:"fetchTimeout" validate:"gte=0"`
	StoreTimeout       time.Duration            `yaml:"storeTimeout" validate:"gte=0"`
	MaxBackgroundTasks int                      `yaml:"maxBackgroundTasks" validate:"gte=0"`
	EdgeCacheSize      int                      `yaml:"edgeCacheSize" validate:"gte=0"`
	Rewrite            responsetransformer.Rule `yaml:"rewrite"`
	Store              StoreConfig              `yaml:"store"`
}

type StoreConfig struct {
	Provider string `yaml:"provider" validate:"oneof=memory sqlite redis postgres"`
	// SQLite database file, "memory" for an in-memory database.
	SQLite string `yaml:"sqlite" validate:"required_if=Provider sqlite"`
	// Redis URL, e.g. redis://localhost:6379/0.
	Redis string `yaml:"redis" validate:"required_if=Provider redis"`
	// PostgreSQL connection string.
	Postgres string `yaml:"postgres" validate:"required_if=Provider postgres"`
	// Size of the in-process tier in front of Redis. Zero disables it.
	LocalCacheSize int `yaml:"localCacheSize" validate:"gte=0"`
}

func defaultConfig() Config {
	return Config{
		Port:               8080,
		AdminPort:          9090,
		Scheme:             edgecache.DefaultScheme,
		Endpoints:          edgecache.DefaultEndpoints,
		TTL:                edgecache.DefaultTTL,
		ErrorStatus:        edgecache.DefaultErrorStatus,
		FetchTimeout:       30 * time.Second,
		StoreTimeout:       5 * time.Second,
		MaxBackgroundTasks: 1024,
		EdgeCacheSize:      1000,
		Store: StoreConfig{
			Provider: "memory",
			SQLite:   "cache.db",
		},
	}
}

// getConfig returns the defaults overlaid with the YAML file, if a file name is given.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename == "" {
		return config, nil
	}
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	if err := yaml.Unmarshal(configBytes, &config); err != nil {
		return config, fmt.Errorf("parse %s: %w", filename, err)
	}
	return config, nil
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	// cache lifetimes are announced in whole seconds
	if c.TTL < time.Second {
		return fmt.Errorf("ttl must be at least 1s, got %s", c.TTL)
	}
	return nil
}
