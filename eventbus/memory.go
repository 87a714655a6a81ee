package eventbus

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bytedance/sonic"

	"fleetstream/domain"
)

// MemoryBus is an in-process bus used by tests: a Producer whose topics can
// each be consumed through a Source.
type MemoryBus struct {
	mu     sync.Mutex
	queues map[string][]Message
	seq    int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{queues: make(map[string][]Message)}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, ev domain.Event) error {
	data, err := sonic.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", ev.Type, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.queues[topic] = append(b.queues[topic], Message{
		ID:   strconv.Itoa(b.seq),
		Text: string(data),
	})
	return nil
}

// Len reports the number of pending messages on a topic.
func (b *MemoryBus) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[topic])
}

// Topic returns a Source draining the named topic.
func (b *MemoryBus) Topic(name string) *MemorySource {
	return &MemorySource{bus: b, topic: name}
}

// MemorySource drains one MemoryBus topic.
type MemorySource struct {
	bus   *MemoryBus
	topic string
}

func (s *MemorySource) Ready(ctx context.Context) error { return nil }

func (s *MemorySource) Dequeue(ctx context.Context) (*Message, error) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	q := s.bus.queues[s.topic]
	if len(q) == 0 {
		return nil, nil
	}
	msg := q[0]
	s.bus.queues[s.topic] = q[1:]
	return &msg, nil
}

func (s *MemorySource) Delete(ctx context.Context, m *Message) error { return nil }
