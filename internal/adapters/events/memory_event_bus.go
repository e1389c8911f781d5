package events

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/claimvalidation/internal/domain/entities"
	"github.com/zatekoja/claimvalidation/internal/domain/providers"
)

// MemoryEventBus delivers task events inside one process.
type MemoryEventBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan *entities.TaskEvent]struct{}
	closed      bool
}

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subscribers: make(map[string]map[chan *entities.TaskEvent]struct{})}
}

var _ providers.EventBus = (*MemoryEventBus)(nil)

func (b *MemoryEventBus) Publish(ctx context.Context, channel string, event *entities.TaskEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("event bus is closed")
	}

	for subscriber := range b.subscribers[channel] {
		copied := *event
		select {
		case subscriber <- &copied:
		default:
			log.Warn().Str("channel", channel).Str("task_id", event.TaskID).Msg("subscriber buffer full, dropping task event")
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.TaskEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("event bus is closed")
	}
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[chan *entities.TaskEvent]struct{})
	}
	events := make(chan *entities.TaskEvent, subscriberBuffer)
	b.subscribers[channel][events] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(channel, events)
	}()
	return events, nil
}

func (b *MemoryEventBus) remove(channel string, events chan *entities.TaskEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[channel][events]; !ok {
		return
	}
	delete(b.subscribers[channel], events)
	close(events)
	if len(b.subscribers[channel]) == 0 {
		delete(b.subscribers, channel)
	}
}

func (b *MemoryEventBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for events := range b.subscribers[channel] {
		close(events)
	}
	delete(b.subscribers, channel)
	return nil
}

func (b *MemoryEventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel, subs := range b.subscribers {
		for events := range subs {
			close(events)
		}
		delete(b.subscribers, channel)
	}
	b.closed = true
	return nil
}
