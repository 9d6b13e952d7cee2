package msgbus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisTransport is the distributed-mode Transport. It keeps two separate
// *redis.Client connections: pub uses the ordinary command connection
// pool, sub owns a dedicated PubSub connection for its whole lifetime.
// Reusing one client for both would serialize publishes behind whatever
// the subscriber's blocking read is doing.
type RedisTransport struct {
	pub *redis.Client
	sub *redis.Client

	channelPrefix string
	pubsub        *redis.PubSub
	cancel        context.CancelFunc
}

// NewRedisTransport dials two independent clients against the same Redis
// URL. channelPrefix namespaces the Redis channel names so multiple bridge
// deployments can share one Redis instance.
func NewRedisTransport(redisURL, channelPrefix string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("msgbus: parse redis url: %w", err)
	}
	pub := redis.NewClient(opts)

	subOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("msgbus: parse redis url: %w", err)
	}
	sub := redis.NewClient(subOpts)

	return &RedisTransport{pub: pub, sub: sub, channelPrefix: channelPrefix}, nil
}

func (t *RedisTransport) topic(event string) string {
	return t.channelPrefix + ":" + event
}

// Connect subscribes to every event namespaced under channelPrefix using a
// single pattern subscription, and forwards delivered messages to
// onMessage until the context given here is canceled or Disconnect runs.
func (t *RedisTransport) Connect(ctx context.Context, onMessage func(event string, payload []byte)) error {
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.pubsub = t.sub.PSubscribe(runCtx, t.channelPrefix+":*")
	if _, err := t.pubsub.Receive(runCtx); err != nil {
		cancel()
		return fmt.Errorf("msgbus: redis subscribe: %w", err)
	}

	ch := t.pubsub.Channel()
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				event := msg.Channel[len(t.channelPrefix)+1:]
				onMessage(event, []byte(msg.Payload))
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (t *RedisTransport) Publish(ctx context.Context, event string, payload []byte) error {
	return t.pub.Publish(ctx, t.topic(event), payload).Err()
}

func (t *RedisTransport) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	var firstErr error
	if t.pubsub != nil {
		if err := t.pubsub.Close(); err != nil {
			firstErr = err
		}
	}
	if err := t.sub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.pub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
