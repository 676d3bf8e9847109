package eventbus

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestMemoryBusDelivery(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	other, _ := bus.Subscribe(ctx, "s2")

	bus.Publish(ctx, "s1", Event{Type: EventSessionReady, SessionID: "s1"})

	select {
	case ev := <-ch:
		if ev.Type != EventSessionReady {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	select {
	case ev := <-other:
		t.Fatalf("event leaked to other session: %+v", ev)
	default:
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// 无订阅者时发布不应阻塞
	if err := bus.Publish(context.Background(), "s1", Event{Type: EventSessionClosed}); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := bus.Subscribe(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		for range 100 {
			bus.Publish(ctx, "s1", Event{Type: EventSessionReady})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
}

func TestRedisBus(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	bus := NewRedisBus(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := bus.Subscribe(ctx, "bus-test")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "bus-test", Event{Type: EventSessionStopping, SessionID: "bus-test"}); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-ch:
		if ev.Type != EventSessionStopping || ev.SessionID != "bus-test" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("event not received")
	}
}
