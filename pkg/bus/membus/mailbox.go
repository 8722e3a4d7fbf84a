package membus

import (
	"context"
	"sync"
	"time"

	"github.com/billm/tutornet/pkg/bus"
)

type envelope struct {
	delivery bus.Delivery
	expires  time.Time
}

// mailbox is an unbounded FIFO of deliveries with a wake-up channel that is
// closed and replaced every time something is added.
type mailbox struct {
	mu     sync.Mutex
	items  []envelope
	signal chan struct{}
	gone   bool
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{})}
}

func (m *mailbox) put(e envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return
	}
	m.items = append(m.items, e)
	close(m.signal)
	m.signal = make(chan struct{})
}

// destroy drops every pending item and wakes every waiter.
func (m *mailbox) destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone {
		return
	}
	m.gone = true
	m.items = nil
	close(m.signal)
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// take blocks until an unexpired item is available, ctx is done or stop is closed.
func (m *mailbox) take(ctx context.Context, stop <-chan struct{}, now func() time.Time) (bus.Delivery, error) {
	for {
		m.mu.Lock()
		if m.gone {
			m.mu.Unlock()
			return bus.Delivery{}, bus.ErrNotFound
		}
		for len(m.items) > 0 {
			e := m.items[0]
			m.items[0] = envelope{}
			m.items = m.items[1:]
			if !e.expires.IsZero() && now().After(e.expires) {
				continue
			}
			m.mu.Unlock()
			return e.delivery, nil
		}
		signal := m.signal
		m.mu.Unlock()

		select {
		case <-signal:
		case <-stop:
			return bus.Delivery{}, bus.ErrClosed
		case <-ctx.Done():
			return bus.Delivery{}, ctx.Err()
		}
	}
}
