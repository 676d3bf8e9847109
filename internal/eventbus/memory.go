package eventbus

import (
	"context"
	"sync"
)

var _ EventBus = (*MemoryBus)(nil)

// MemoryBus 进程内实现，未配置 Redis 时使用。订阅者消费过慢时丢弃事件。
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan Event]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, sessionID string, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[sessionID] {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, sessionID string) (<-chan Event, error) {
	ch := make(chan Event, 16)

	b.mu.Lock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[chan Event]struct{})
	}
	b.subs[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[sessionID], ch)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		close(ch)
		b.mu.Unlock()
	}()

	return ch, nil
}
