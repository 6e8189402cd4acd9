package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/andywolf/ctxkeeper/internal/logging"
)

// DefaultRedisKey is the key the document is stored under.
const DefaultRedisKey = "ctxkeeper:ledger"

// RedisBackend stores the document as one JSON string value.
type RedisBackend struct {
	client redis.UniversalClient
	key    string
	logger logging.Logger
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisKey overrides the storage key.
func WithRedisKey(key string) RedisOption {
	return func(r *RedisBackend) {
		if key != "" {
			r.key = key
		}
	}
}

// WithRedisLogger sets the logger used to report recovered corruption.
func WithRedisLogger(l logging.Logger) RedisOption {
	return func(r *RedisBackend) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{client: client, key: DefaultRedisKey, logger: logging.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to addr and verifies the connection with PING.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return NewRedisBackend(client, opts...), nil
}

// Load implements Backend. A missing key yields an empty document.
func (r *RedisBackend) Load(ctx context.Context) (*Document, error) {
	raw, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read ledger from redis: %w", err)
	}
	return decode(raw, "redis key "+r.key, r.logger), nil
}

// Save implements Backend.
func (r *RedisBackend) Save(ctx context.Context, doc *Document) error {
	raw, err := encode(doc)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, r.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("write ledger to redis: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
