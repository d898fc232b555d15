package revocation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultHealthCheckInterval = 30 * time.Second
	unsubscribeTimeout         = 5 * time.Second
)

var errHealthCheck = errors.New("revocation channel health check timed out")

// RedisSubscriber subscribes to a Redis pub/sub channel.
type RedisSubscriber struct {
	client *redis.Client
	// HealthCheckInterval is how long a subscription may stay silent before
	// it is pinged. A second silent interval drops the connection.
	HealthCheckInterval time.Duration
}

var _ Subscriber = (*RedisSubscriber)(nil)

func NewRedisSubscriber(client *redis.Client) *RedisSubscriber {
	return &RedisSubscriber{client: client, HealthCheckInterval: DefaultHealthCheckInterval}
}

// Subscribe returns once the server has confirmed the subscription.
func (r *RedisSubscriber) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}
	interval := r.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	return &redisSubscription{ps: ps, channel: channel, interval: interval}, nil
}

type redisSubscription struct {
	ps       *redis.PubSub
	channel  string
	interval time.Duration

	once     sync.Once
	closeErr error
}

// Receive blocks until a message arrives, ctx is cancelled or the
// connection is found dead. go-redis only honours the deadline of ctx while
// reading, so cancellation closes the subscription to unblock the read.
func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() { _ = s.shutdown() })
	defer stop()

	pingPending := false
	for {
		msg, err := s.ps.ReceiveTimeout(ctx, s.interval)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			if !isTimeout(err) {
				return nil, err
			}
			if pingPending {
				return nil, errHealthCheck
			}
			if err := s.ps.Ping(ctx); err != nil {
				return nil, err
			}
			pingPending = true
			continue
		}

		pingPending = false
		if m, ok := msg.(*redis.Message); ok {
			return []byte(m.Payload), nil
		}
		// Pong and subscription confirmations
	}
}

func (s *redisSubscription) Close(context.Context) error {
	return s.shutdown()
}

// shutdown unsubscribes and closes the connection exactly once.
func (s *redisSubscription) shutdown() error {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
		defer cancel()
		unsubErr := s.ps.Unsubscribe(ctx, s.channel)
		if err := s.ps.Close(); err != nil {
			s.closeErr = err
			return
		}
		s.closeErr = unsubErr
	})
	return s.closeErr
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Publisher sends revocation batches to the channel.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{client: client, channel: channel}
}

// Publish returns the number of subscribers that received the batch.
func (p *Publisher) Publish(ctx context.Context, batch []Notification) (int64, error) {
	payload, err := EncodeBatch(batch)
	if err != nil {
		return 0, err
	}
	return p.client.Publish(ctx, p.channel, payload).Result()
}
