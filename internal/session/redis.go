package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/muxgate/internal/obs"
)

// record is the JSON form stored in Redis.
type record struct {
	Value    string    `json:"value"`
	LastSeen time.Time `json:"last_seen"`
}

// Redis is a Store shared by every process pointing at the same server. It
// keeps a small positive cache of recent reads.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu         sync.Mutex
	cache      map[string]record
	cacheTTL   time.Duration
	cachePurge time.Time
	now        func() time.Time
}

var _ Store = (*Redis)(nil)

func NewRedis(cfg Config) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "muxgate:session:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{
		client:   rdb,
		prefix:   prefix,
		ttl:      ttl,
		cache:    make(map[string]record),
		cacheTTL: 15 * time.Second,
		now:      time.Now,
	}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	rec, ok := r.cache[key]
	if ok && r.now().Sub(rec.LastSeen) < r.cacheTTL {
		r.mu.Unlock()
		return rec.Value, nil
	}
	r.mu.Unlock()

	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		obs.Error("redis.get_session", obs.Fields{"err": err.Error()})
		return "", fmt.Errorf("session: redis get: %w", err)
	}
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return "", fmt.Errorf("session: decode record: %w", err)
	}
	r.remember(key, rec.Value)
	return rec.Value, nil
}

func (r *Redis) Put(ctx context.Context, key, value string) error {
	rec := record{Value: value, LastSeen: r.now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: encode record: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	r.remember(key, value)
	return nil
}

// remember caches value and sweeps stale entries, at most once per cacheTTL.
func (r *Redis) remember(key, value string) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[key] = record{Value: value, LastSeen: now}
	if now.Sub(r.cachePurge) < r.cacheTTL {
		return
	}
	r.cachePurge = now
	for k, rec := range r.cache {
		if now.Sub(rec.LastSeen) >= r.cacheTTL {
			delete(r.cache, k)
		}
	}
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	r.mu.Lock()
	delete(r.cache, key)
	r.mu.Unlock()
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}

// Len scans the key prefix. It is meant for stats pages, not hot paths.
func (r *Redis) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		n      int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.prefix+"*", 100).Result()
		if err != nil {
			return n, fmt.Errorf("session: redis scan: %w", err)
		}
		n += len(keys)
		if next == 0 {
			return n, nil
		}
		cursor = next
	}
}

func (r *Redis) Close() error { return r.client.Close() }
