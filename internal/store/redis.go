package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-redis/redis/v8"
)

// Redis keeps each document as a JSON string under document:<id>.
type Redis struct {
	client *redis.Client
}

// OpenRedis connects using opts.DSN when it is a redis:// URL, otherwise the
// address, password and db fields.
func OpenRedis(ctx context.Context, opts Options) (*Redis, error) {
	ro := &redis.Options{
		Addr:     opts.RedisAddr,
		Password: opts.RedisPassword,
		DB:       opts.RedisDB,
	}
	if strings.HasPrefix(opts.DSN, "redis://") || strings.HasPrefix(opts.DSN, "rediss://") {
		parsed, err := redis.ParseURL(opts.DSN)
		if err != nil {
			return nil, wrap("redis", "parse", err)
		}
		ro = parsed
	}
	if ro.Addr == "" {
		ro.Addr = "localhost:6379"
	}
	client := redis.NewClient(ro)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, wrap("redis", "ping", err)
	}
	return &Redis{client: client}, nil
}

func documentKey(id string) string {
	return "document:" + id
}

func (r *Redis) Save(ctx context.Context, doc Document) error {
	val, err := json.Marshal(doc)
	if err != nil {
		return wrap("redis", "save", err)
	}
	return wrap("redis", "save", r.client.Set(ctx, documentKey(doc.ID), val, 0).Err())
}

func (r *Redis) Load(ctx context.Context, id string) (*Document, error) {
	val, err := r.client.Get(ctx, documentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("redis", "load", err)
	}
	var doc Document
	if err := json.Unmarshal(val, &doc); err != nil {
		return nil, wrap("redis", "load", err)
	}
	return &doc, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return wrap("redis", "ping", r.client.Ping(ctx).Err())
}

func (r *Redis) Close() error {
	return r.client.Close()
}
