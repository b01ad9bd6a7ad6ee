package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

func SessionKey(token string) string {
	return fmt.Sprintf("session:token:%s", token)
}

func IdentityKey(identityKey string) string {
	return fmt.Sprintf("session:identity:%s", identityKey)
}

// EventChannel is the pubsub channel carrying lifecycle events of one session.
func EventChannel(token string) string {
	return fmt.Sprintf("session:events:%s", token)
}
