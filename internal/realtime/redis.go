package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	errMissingRedisClient  = errors.New("realtime: redis client required")
	errMissingRedisChannel = errors.New("realtime: redis channel required")
	errMissingLocal        = errors.New("realtime: local dispatcher required")
)

// RedisBridgeConfig configures a RedisBridge.
type RedisBridgeConfig struct {
	Client  *redis.Client
	Channel string
	Logger  *zap.Logger
}

// RedisBridge publishes through a Redis channel and replays everything received on
// that channel into the local dispatcher, so subscribers in every process observe
// the same changes. While Run is not relaying, local subscribers are served
// directly.
type RedisBridge[T any] struct {
	client   *redis.Client
	channel  string
	local    *Dispatcher[T]
	logger   *zap.Logger
	relaying atomic.Bool
}

type envelope struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// NewRedisBridge constructs a bridge feeding the given dispatcher.
func NewRedisBridge[T any](cfg RedisBridgeConfig, local *Dispatcher[T]) (*RedisBridge[T], error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		return nil, errMissingRedisChannel
	}
	if local == nil {
		return nil, errMissingLocal
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge[T]{client: cfg.Client, channel: channel, local: local, logger: logger}, nil
}

// Publish implements Publisher. When Redis is unreachable or Run is not relaying,
// the message is delivered to local subscribers directly.
func (b *RedisBridge[T]) Publish(key string, message T) {
	if key == "" {
		return
	}
	payload, err := encodeEnvelope(key, message)
	if err != nil {
		b.logger.Error("realtime encode failed", zap.String("key", key), zap.Error(err))
		b.local.Publish(key, message)
		return
	}
	if err := b.client.Publish(context.Background(), b.channel, payload).Err(); err != nil {
		b.logger.Warn("realtime redis publish failed", zap.String("channel", b.channel), zap.Error(err))
		b.local.Publish(key, message)
		return
	}
	if !b.relaying.Load() {
		b.local.Publish(key, message)
	}
}

// Relaying reports whether Run is currently feeding the local dispatcher.
func (b *RedisBridge[T]) Relaying() bool {
	return b.relaying.Load()
}

// Run relays channel messages into the local dispatcher until ctx ends.
func (b *RedisBridge[T]) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	b.relaying.Store(true)
	defer b.relaying.Store(false)
	b.logger.Info("realtime redis bridge subscribed", zap.String("channel", b.channel))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			key, decoded, err := decodeEnvelope[T]([]byte(message.Payload))
			if err != nil {
				b.logger.Warn("realtime message dropped", zap.Error(err))
				continue
			}
			b.local.Publish(key, decoded)
		}
	}
}

func encodeEnvelope[T any](key string, message T) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Key: key, Payload: payload})
}

func decodeEnvelope[T any](data []byte) (string, T, error) {
	var zero T
	var wrapped envelope
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return "", zero, err
	}
	if wrapped.Key == "" {
		return "", zero, errors.New("realtime: envelope missing key")
	}
	var decoded T
	if err := json.Unmarshal(wrapped.Payload, &decoded); err != nil {
		return "", zero, err
	}
	return wrapped.Key, decoded, nil
}
