package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"codelens/internal/logging"
)

// remoteTier stores JSON-encoded values in Redis. Values read back from the
// remote tier surface as json.RawMessage; callers that need a concrete type
// decode it themselves.
type remoteTier struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	log    *logging.Logger
}

func newRemoteTier(host string, ttlSeconds int) (*remoteTier, error) {
	client := redis.NewClient(&redis.Options{Addr: host})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("remote cache unreachable at %s: %w", host, err)
	}

	return &remoteTier{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
		prefix: "codelens:cache:",
		log:    logging.Get(logging.CategoryCache),
	}, nil
}

func (r *remoteTier) get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return json.RawMessage(data), true, nil
}

func (r *remoteTier) set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = r.ttl
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	return r.client.Set(ctx, r.prefix+key, data, ttl).Err()
}

func (r *remoteTier) delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.prefix+key).Result()
	return n > 0, err
}

func (r *remoteTier) clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *remoteTier) close() error {
	return r.client.Close()
}
