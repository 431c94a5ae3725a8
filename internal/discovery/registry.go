package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/matst80/turnbridge/internal/obs"
	"github.com/redis/go-redis/v9"
)

// Allocation describes where this client can currently be reached.
type Allocation struct {
	Mapped  string    `json:"mapped"`
	Relay   string    `json:"relay"`
	Server  string    `json:"server"`
	Updated time.Time `json:"updated"`
}

// Registry publishes the current allocation so peers can find it.
type Registry interface {
	Publish(ctx context.Context, a Allocation) error
	Withdraw(ctx context.Context) error
	Current(ctx context.Context) (Allocation, bool, error)
}

// NewRegistry returns a redis backed registry when rdb is set, an in-memory one otherwise.
func NewRegistry(rdb *redis.Client, key string, ttl time.Duration) Registry {
	if rdb == nil {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return &MemoryRegistry{}
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "key": key})
	return NewRedisRegistry(rdb, key, ttl)
}

type MemoryRegistry struct {
	mu  sync.Mutex
	cur *Allocation
}

var _ Registry = (*MemoryRegistry)(nil)

func (m *MemoryRegistry) Publish(_ context.Context, a Allocation) error {
	m.mu.Lock()
	m.cur = &a
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Withdraw(context.Context) error {
	m.mu.Lock()
	m.cur = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryRegistry) Current(context.Context) (Allocation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Allocation{}, false, nil
	}
	return *m.cur, true, nil
}

// RedisRegistry stores the allocation as JSON under a key with a TTL. Run refreshes the
// key while the allocation is live so it expires if this process dies.
type RedisRegistry struct {
	client            *redis.Client
	key               string
	ttl               time.Duration
	heartbeatInterval time.Duration

	// mu serializes redis writes with the bookkeeping of cur.
	mu  sync.Mutex
	cur *Allocation
}

var _ Registry = (*RedisRegistry)(nil)

func NewRedisRegistry(rdb *redis.Client, key string, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &RedisRegistry{client: rdb, key: key, ttl: ttl, heartbeatInterval: ttl / 3}
}

func (r *RedisRegistry) Publish(ctx context.Context, a Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishLocked(ctx, a)
}

// publishLocked writes a and records it as current. r.mu must be held so a concurrent
// Withdraw cannot interleave between the SET and the bookkeeping.
func (r *RedisRegistry) publishLocked(ctx context.Context, a Allocation) error {
	if a.Updated.IsZero() {
		a.Updated = time.Now().UTC()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal allocation: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	r.cur = &a
	return nil
}

func (r *RedisRegistry) Withdraw(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = nil
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Current(ctx context.Context) (Allocation, bool, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return Allocation{}, false, nil
	}
	if err != nil {
		return Allocation{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var a Allocation
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return Allocation{}, false, fmt.Errorf("unmarshal allocation: %w", err)
	}
	return a, true, nil
}

// Run refreshes the published allocation until ctx ends.
func (r *RedisRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// heartbeat re-publishes the current allocation with a fresh TTL. It holds r.mu for the
// whole write so an allocation withdrawn meanwhile is never written back.
func (r *RedisRegistry) heartbeat(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return
	}
	a := *r.cur
	a.Updated = time.Now().UTC()
	if err := r.publishLocked(ctx, a); err != nil {
		obs.Error("registry.heartbeat", obs.Fields{"err": err, "key": r.key})
	}
}
