package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"govoracle/internal/config"
	"govoracle/internal/model"
)

type RedisConn struct {
	rdb    *goredis.Client
	prefix string
}

// DialRedis connects and pings with a bounded timeout.
func DialRedis(ctx context.Context, cfg config.RedisConfig) (*RedisConn, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "govoracle"
	}
	return &RedisConn{rdb: rdb, prefix: prefix}, nil
}

// NewRedisConn wraps an existing client; prefix namespaces every key.
func NewRedisConn(rdb *goredis.Client, prefix string) *RedisConn {
	if prefix == "" {
		prefix = "govoracle"
	}
	return &RedisConn{rdb: rdb, prefix: prefix}
}

func (c *RedisConn) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *RedisConn) key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

func NewRedisBlockCounter(c *RedisConn, opts Options) BlockCounter {
	return newBlockCounter(&redisCounter{c: c}, opts)
}

func NewRedisSecretStore(c *RedisConn, opts Options) SecretStore {
	return newSecretStore(&redisSecrets{c: c}, opts)
}

type redisCounter struct {
	c *RedisConn
}

// incr runs INCR and EXPIRE in one MULTI so a bucket never outlives its TTL
// without having been counted.
func (r *redisCounter) incr(ctx context.Context, key string, _ time.Time) (int64, error) {
	k := r.c.key("counter", key)
	pipe := r.c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, bucketTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *redisCounter) get(ctx context.Context, key string) (int64, error) {
	n, err := r.c.rdb.Get(ctx, r.c.key("counter", key)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	return n, err
}

type redisSecrets struct {
	c *RedisConn
}

// appendNonce reserves the version with INCR, then writes the entry and its
// index membership in one MULTI.
func (r *redisSecrets) appendNonce(ctx context.Context, value, source string, at time.Time) error {
	version, err := r.c.rdb.Incr(ctx, r.c.key("nonce", "version")).Result()
	if err != nil {
		return err
	}
	v := strconv.FormatInt(version, 10)
	pipe := r.c.rdb.TxPipeline()
	pipe.HSet(ctx, r.c.key("nonce", v),
		"value", value,
		"created_at", at.UTC().UnixNano(),
		"source", source,
	)
	pipe.ZAdd(ctx, r.c.key("nonces"), goredis.Z{Score: float64(version), Member: v})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisSecrets) listNonces(ctx context.Context) ([]model.NonceConfig, error) {
	versions, err := r.c.rdb.ZRevRange(ctx, r.c.key("nonces"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.NonceConfig, 0, len(versions))
	for _, v := range versions {
		n, err := r.load(ctx, v)
		if err != nil {
			return nil, err
		}
		if n != nil {
			out = append(out, *n)
		}
	}
	return out, nil
}

func (r *redisSecrets) latestNonce(ctx context.Context) (*model.NonceConfig, error) {
	versions, err := r.c.rdb.ZRevRange(ctx, r.c.key("nonces"), 0, 0).Result()
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, nil
	}
	return r.load(ctx, versions[0])
}

func (r *redisSecrets) load(ctx context.Context, v string) (*model.NonceConfig, error) {
	fields, err := r.c.rdb.HGetAll(ctx, r.c.key("nonce", v)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("nonce version %q: %w", v, err)
	}
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("nonce %s created_at: %w", v, err)
	}
	return &model.NonceConfig{
		Value:     fields["value"],
		Version:   version,
		CreatedAt: time.Unix(0, created).UTC(),
		Source:    fields["source"],
	}, nil
}
