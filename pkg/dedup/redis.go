package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "botfleet:dedup:"

// ErrRedisNotReady is returned by ConnectRedis when no ping succeeds.
var ErrRedisNotReady = errors.New("redis not ready")

// Commander is the subset of *redis.Client the cache uses.
type Commander interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis is a Cache shared across service replicas. Expiry is delegated to
// key TTLs, so the now argument only stamps the stored value.
type Redis struct {
	client Commander
	window time.Duration
}

// NewRedis wraps a connected client.
func NewRedis(client Commander, window time.Duration) *Redis {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Redis{client: client, window: window}
}

// ConnectRedis parses url and pings the server, retrying a few times.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for range 3 {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(time.Second):
		}
	}
	return nil, ErrRedisNotReady
}

func redisKey(tenantID, eventID string) string {
	return keyPrefix + tenantID + ":" + eventID
}

// SeenRecently reports whether the key is still live.
func (r *Redis) SeenRecently(ctx context.Context, tenantID, eventID string, _ time.Time) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	n, err := r.client.Exists(ctx, redisKey(tenantID, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// TryRecord uses SET NX with the window as TTL, which is atomic server side.
func (r *Redis) TryRecord(ctx context.Context, tenantID, eventID string, now time.Time) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	ok, err := r.client.SetNX(ctx, redisKey(tenantID, eventID), strconv.FormatInt(now.UnixMilli(), 10), r.window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}
