package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSeen is a SeenSet backed by a Redis set, letting multiple harvest
// processes share one dedup space.
type RedisSeen struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

// NewRedisSeen connects to addr and scopes the set under key. The
// connection is verified up front so a bad address fails the run's setup
// instead of its first merge.
func NewRedisSeen(addr, key string) (*RedisSeen, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisSeen{client: client, key: key, ctx: ctx}, nil
}

// Add is atomic across processes: SADD returns 1 only for the first writer.
func (r *RedisSeen) Add(id string) (bool, error) {
	added, err := r.client.SAdd(r.ctx, r.key, id).Result()
	if err != nil {
		return false, fmt.Errorf("redis sadd: %w", err)
	}
	return added == 1, nil
}

// Len returns the current set cardinality, or 0 when Redis is unreachable.
func (r *RedisSeen) Len() int {
	n, err := r.client.SCard(r.ctx, r.key).Result()
	if err != nil {
		return 0
	}
	return int(n)
}

// Close releases the connection.
func (r *RedisSeen) Close() error {
	return r.client.Close()
}
