package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const keyPrefix = "kromosynth:instance:"

// RedisRegistry keeps one expiring key per instance, an instance that dies
// without deregistering disappears after the ttl
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisRegistry{client: client, ttl: ttl}
}

func instanceKey(role, address string) string {
	return keyPrefix + role + ":" + address
}

func (r *RedisRegistry) Register(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, instanceKey(e.Role, e.Address), data, r.ttl).Err()
}

func (r *RedisRegistry) Deregister(ctx context.Context, e Entry) error {
	return r.client.Del(ctx, instanceKey(e.Role, e.Address)).Err()
}

func (r *RedisRegistry) List(ctx context.Context, role string) ([]Entry, error) {
	var entries []Entry
	iter := r.client.Scan(ctx, 0, instanceKey(role, "*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			// expired between scan and get
			continue
		}
		if err != nil {
			return nil, err
		}
		e := Entry{}
		if err := json.Unmarshal(data, &e); err != nil {
			zap.S().Warnw("bad registry entry", "key", iter.Val(), "err", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, iter.Err()
}

// Keep registers e and refreshes it every third of the ttl until ctx is done,
// then deregisters it
func (r *RedisRegistry) Keep(ctx context.Context, e Entry) error {
	if err := r.Register(ctx, e); err != nil {
		return err
	}
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return r.Deregister(cleanup, e)
		case <-ticker.C:
			if err := r.Register(ctx, e); err != nil {
				zap.S().Warnw("registry refresh error", "address", e.Address, "err", err)
			}
		}
	}
}
