package cache

import (
	"context"
	stderr "errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pixelcache/pixelcache/pkg/types"
)

const clearBatch = 500

// RedisOptions configures the key-value tier
type RedisOptions struct {
	URL         string
	Prefix      string
	TTL         time.Duration
	DialTimeout time.Duration
}

// RedisTier stores blobs in Redis with server-side expiry
type RedisTier struct {
	*tierState
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisTier connects to opts.URL and pings it. Connection failures yield
// a tier that starts disabled.
func NewRedisTier(ctx context.Context, opts RedisOptions, logger *slog.Logger, health types.HealthReporter) *RedisTier {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}

	t := &RedisTier{
		tierState: newTierState("redis", logger, health),
		prefix:    opts.Prefix,
		ttl:       opts.TTL,
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		t.disable("init", err)
		return t
	}
	redisOpts.DialTimeout = opts.DialTimeout
	t.client = redis.NewClient(redisOpts)
	t.onChange = func() { _ = t.client.Close() }

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := t.client.Ping(pingCtx).Err(); err != nil {
		t.disable("init", err)
		return t
	}

	t.logger.Info("redis cache tier connected", "addr", redisOpts.Addr, "db", redisOpts.DB, "ttl", t.ttl)
	return t
}

// Get fetches prefix+key; redis.Nil is a miss, other errors disable the tier
func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, error) {
	if !t.Enabled() {
		return nil, t.disabledErr("get")
	}

	data, err := t.client.Get(ctx, t.prefix+key).Bytes()
	switch {
	case err == nil:
		return data, nil
	case stderr.Is(err, redis.Nil):
		return nil, ErrMiss
	case callerGone(ctx, err):
		return nil, t.fail("get", KindTimeout, err, false)
	default:
		return nil, t.fail("get", KindUnavailable, err, true)
	}
}

// Set writes prefix+key with the configured TTL (SET ... EX)
func (t *RedisTier) Set(ctx context.Context, key string, data []byte) error {
	if !t.Enabled() {
		return t.disabledErr("set")
	}

	if err := t.client.Set(ctx, t.prefix+key, data, t.ttl).Err(); err != nil {
		if callerGone(ctx, err) {
			return t.fail("set", KindTimeout, err, false)
		}
		return t.fail("set", KindUnavailable, err, true)
	}
	return nil
}

// Clear deletes every key under this cache's prefix. Other data on the
// server is left alone.
func (t *RedisTier) Clear(ctx context.Context) error {
	if !t.Enabled() {
		return t.disabledErr("clear")
	}

	var cursor uint64
	deleted := 0
	for {
		keys, next, err := t.client.Scan(ctx, cursor, t.prefix+"*", clearBatch).Result()
		if err != nil {
			return t.fail("clear", KindUnavailable, err, !callerGone(ctx, err))
		}
		if len(keys) > 0 {
			if err := t.client.Del(ctx, keys...).Err(); err != nil {
				return t.fail("clear", KindUnavailable, err, !callerGone(ctx, err))
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	t.logger.Info("redis cache cleared", "keys", deleted)
	return nil
}

// Close releases the client
func (t *RedisTier) Close() error {
	if t.client == nil {
		return nil
	}
	if err := t.client.Close(); err != nil && !stderr.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
