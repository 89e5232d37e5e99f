// Package session keeps session ids so a multiplexed connection can be
// resumed. Keys are opaque: clients key by gateway address, the gateway keys
// by session id.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/matst80/muxgate/internal/obs"
)

var (
	ErrNotFound = errors.New("session: not found")
	ErrClosed   = errors.New("session: store closed")
)

// DefaultTTL is how long an entry lives without being written again.
const DefaultTTL = 24 * time.Hour

// Store abstracts session persistence so several processes can share it.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	// Len is an approximate entry count for stats.
	Len(ctx context.Context) (int, error)
	Close() error
}

// Config selects and tunes a backend. An empty RedisAddr means in-memory.
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Prefix        string
	TTL           time.Duration
}

// New creates either an in-memory or Redis-backed store based on cfg.
func New(cfg Config) (Store, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.RedisAddr == "" {
		obs.Info("session.backend", obs.Fields{"type": "in-memory"})
		return NewMemory(cfg.TTL), nil
	}
	obs.Info("session.backend", obs.Fields{"type": "redis", "addr": cfg.RedisAddr})
	return NewRedis(cfg)
}
