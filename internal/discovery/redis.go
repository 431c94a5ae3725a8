package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient connects and pings the server.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// Redis reads candidates from a key holding a list (in order), a sorted set (by score) or a
// set (unordered).
type Redis struct {
	Client      *redis.Client
	Key         string
	DefaultPort int
}

func (r Redis) Candidates(ctx context.Context) ([]string, error) {
	kind, err := r.Client.Type(ctx, r.Key).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery: redis type %s: %w", r.Key, err)
	}
	var members []string
	switch kind {
	case "list":
		members, err = r.Client.LRange(ctx, r.Key, 0, -1).Result()
	case "zset":
		members, err = r.Client.ZRange(ctx, r.Key, 0, -1).Result()
	case "set":
		members, err = r.Client.SMembers(ctx, r.Key).Result()
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("discovery: redis key %s has unsupported type %s", r.Key, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: redis read %s: %w", r.Key, err)
	}
	port := r.DefaultPort
	if port == 0 {
		port = DefaultPort
	}
	return normalizeAll(members, port), nil
}
