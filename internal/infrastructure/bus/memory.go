package bus

import (
	"context"
	"sync"

	"github.com/p2p-escrow/trade-engine/internal/domain/event"
)

const defaultBuffer = 64

// Memory is an in-process event.Bus. Subscribers are grouped by recipient;
// a publish to a recipient reaches every live subscription of that
// recipient, in publish order.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]*subscription
	nextID uint64
	buffer int
	closed bool
	done   chan struct{}
	once   sync.Once
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Memory{
		subs:   make(map[string]map[uint64]*subscription),
		buffer: buffer,
		done:   make(chan struct{}),
	}
}

// Publish delivers ev to every subscription of recipientID. It blocks on a
// full subscriber buffer until the subscriber drains, closes, or ctx ends.
func (b *Memory) Publish(ctx context.Context, recipientID string, ev event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return event.ErrBusClosed
	}
	for _, s := range b.subs[recipientID] {
		select {
		case s.ch <- ev:
		case <-s.done:
		case <-b.done:
			return event.ErrBusClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *Memory) Subscribe(ctx context.Context, recipientID string) (event.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, event.ErrBusClosed
	}
	b.nextID++
	s := &subscription{
		bus:       b,
		id:        b.nextID,
		recipient: recipientID,
		ch:        make(chan event.Event, b.buffer),
		done:      make(chan struct{}),
	}
	if b.subs[recipientID] == nil {
		b.subs[recipientID] = make(map[uint64]*subscription)
	}
	b.subs[recipientID][s.id] = s
	return s, nil
}

// SubscriberCount returns the number of live subscriptions for recipientID.
func (b *Memory) SubscriberCount(recipientID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[recipientID])
}

// Close ends every subscription and rejects further use.
func (b *Memory) Close() {
	b.once.Do(func() { close(b.done) })
	b.mu.Lock()
	b.closed = true
	var all []*subscription
	for _, byID := range b.subs {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	b.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

func (b *Memory) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID, ok := b.subs[s.recipient]; ok {
		delete(byID, s.id)
		if len(byID) == 0 {
			delete(b.subs, s.recipient)
		}
	}
}

type subscription struct {
	bus       *Memory
	id        uint64
	recipient string
	ch        chan event.Event
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) Events() <-chan event.Event {
	return s.ch
}

// Close unblocks pending publishers, detaches from the bus and then closes
// the event channel. Safe to call more than once.
func (s *subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
		close(s.ch)
	})
}
