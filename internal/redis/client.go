package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// EventChannel is the pub/sub channel carrying push frames for a user.
func EventChannel(userID string) string {
	return fmt.Sprintf("events:%s", userID)
}

// NodeKey is the hash mirroring a node's liveness data.
func NodeKey(nodeID string) string {
	return fmt.Sprintf("node:%s", nodeID)
}

// PaymentLockKey guards settlement dispatch for one payment hash.
func PaymentLockKey(paymentHash string) string {
	return fmt.Sprintf("paylock:%s", paymentHash)
}
