// Package store wraps the Redis-compatible client shared by the prediction
// structures. Every structure is a stateless view over keys in this store.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/pable/hs-deck-predict/internal/config"
)

// ErrUnavailable marks any failure talking to the backing store.
var ErrUnavailable = errors.New("store unavailable")

// DB is a namespaced handle on the key-value store.
type DB struct {
	client    redis.UniversalClient
	namespace string
}

// Open connects using cfg and pings the server.
func Open(ctx context.Context, cfg config.RedisConfig) (*DB, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, Wrap(fmt.Errorf("ping %s: %w", cfg.Addr, err))
	}
	return New(client, cfg.Namespace), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, namespace string) *DB {
	return &DB{client: client, namespace: namespace}
}

// Client exposes the underlying client for commands and pipelines.
func (db *DB) Client() redis.UniversalClient { return db.client }

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.client.Close()
}

// Key joins parts under the store namespace with ':'.
func (db *DB) Key(parts ...any) string {
	var b strings.Builder
	b.WriteString(db.namespace)
	for _, p := range parts {
		b.WriteByte(':')
		fmt.Fprint(&b, p)
	}
	return b.String()
}

// Sub returns a handle whose keys live under an extra namespace segment.
func (db *DB) Sub(parts ...any) *DB {
	return &DB{client: db.client, namespace: db.Key(parts...)}
}

// Namespace returns the key prefix of this handle.
func (db *DB) Namespace() string { return db.namespace }

// Wrap tags err as ErrUnavailable. redis.Nil and nil pass through unchanged.
func Wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
