package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures the Redis publisher.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string

	// PublishTimeout bounds a single PUBLISH.
	PublishTimeout time.Duration
}

// Redis publishes events as JSON on a pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedis connects and verifies the server with PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Channel == "" {
		opts.Channel = "termfleet:events"
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
		MaxRetries:  2,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	return &Redis{client: client, channel: opts.Channel, timeout: opts.PublishTimeout}, nil
}

// Encode is the wire form of an event on the channel.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func (r *Redis) Publish(ctx context.Context, ev Event) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.client.Publish(ctx, r.channel, data).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
