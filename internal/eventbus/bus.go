package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

var _ EventBus = (*RedisBus)(nil)

// RedisBus 基于 Redis Pub/Sub，多实例部署时事件可跨进程送达
type RedisBus struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedisBus(client redis.UniversalClient, logger *slog.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger.With("component", "eventbus")}
}

func (b *RedisBus) Publish(ctx context.Context, sessionID string, event Event) error {
	channelKey := SessionChannelKey(sessionID)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return b.client.Publish(ctx, channelKey, data).Err()
}

// Subscribe 返回的 channel 在 ctx 取消后关闭
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	channelKey := SessionChannelKey(sessionID)
	pubSub := b.client.Subscribe(ctx, channelKey)
	// 确认订阅已建立，避免丢失紧随其后的事件
	if _, err := pubSub.Receive(ctx); err != nil {
		_ = pubSub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", channelKey, err)
	}

	ch := make(chan Event, 16)

	go func() {
		defer close(ch)
		defer func(pubSub *redis.PubSub) {
			err := pubSub.Close()
			if err != nil {
				b.logger.Error("failed to close pubsub", "error", err)
			}
		}(pubSub)

		msgs := pubSub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("failed to unmarshal event", "error", err)
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}
