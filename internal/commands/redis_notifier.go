package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// redisChannelPrefix namespaces wake-up channels. The node ID follows the prefix.
const redisChannelPrefix = "fleet:commands:"

// RedisNotifier fans wake-ups out across master replicas through Redis
// pub/sub. Local subscribers are served by an embedded Broker.
type RedisNotifier struct {
	*Broker

	client  *redis.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisNotifier connects to Redis at url (redis://...) and verifies the connection.
func NewRedisNotifier(url string, logger *slog.Logger) (*RedisNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisNotifier{
		Broker:  NewBroker(logger),
		client:  client,
		logger:  logger,
		timeout: 500 * time.Millisecond,
	}, nil
}

// Notify publishes a wake-up for nodeID. Every replica, including this one,
// delivers it to its local subscribers from Run. If publishing fails the
// wake-up is delivered locally only.
func (n *RedisNotifier) Notify(ctx context.Context, nodeID string) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.client.Publish(ctx, redisChannelPrefix+nodeID, "").Err(); err != nil {
		n.Broker.deliver(nodeID)
		return fmt.Errorf("publishing wake-up: %w", err)
	}
	return nil
}

// Run relays published wake-ups to local subscribers until ctx is done.
func (n *RedisNotifier) Run(ctx context.Context) error {
	pubsub := n.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to wake-ups: %w", err)
	}
	n.logger.Info("relaying command wake-ups from redis", "pattern", redisChannelPrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			nodeID := strings.TrimPrefix(msg.Channel, redisChannelPrefix)
			n.Broker.deliver(nodeID)
		}
	}
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// Ping checks the Redis connection.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}
