package membus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/bus"
)

// ErrUnavailable is returned by Connect while the broker is marked unavailable.
var ErrUnavailable = errors.New("membus: broker unavailable")

// ErrConnectionLost is returned by operations on a severed connection.
var ErrConnectionLost = errors.New("membus: connection lost")

// Stats counts broker activity
type Stats struct {
	Connections int64 `json:"connections"`
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Destroyed   int64 `json:"destroyed"`
}

// Option configures a Broker
type Option func(*Broker)

// WithClock sets the clock used for delivery timestamps and expiry
func WithClock(c clock.Clock) Option {
	return func(b *Broker) { b.clock = c }
}

// WithLogger sets the broker logger
func WithLogger(l *logger.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

type topic struct {
	subs    map[*subscription]struct{}
	durable map[string]*subscription
}

type subscription struct {
	box     *mailbox
	durable string
}

// Broker is an in-process message broker. Queues deliver each message to one
// consumer and hold messages until a consumer takes them. Topics deliver to
// every subscription present at publish time.
type Broker struct {
	mu        sync.Mutex
	clock     clock.Clock
	logger    *logger.Logger
	queues    map[string]*mailbox
	topics    map[string]*topic
	conns     map[*connection]struct{}
	available bool
	destroyed []bus.Destination
	stats     Stats
}

// New creates an available broker
func New(opts ...Option) *Broker {
	b := &Broker{
		clock:     clock.New(),
		queues:    make(map[string]*mailbox),
		topics:    make(map[string]*topic),
		conns:     make(map[*connection]struct{}),
		available: true,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger, _ = logger.NewDefault()
	}
	b.logger = b.logger.With("component", "membus")
	return b
}

// Connect opens a connection to the broker
func (b *Broker) Connect(ctx context.Context, opts bus.ConnectOptions) (bus.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.available {
		return nil, ErrUnavailable
	}

	c := &connection{
		broker: b,
		id:     opts.ClientID,
		done:   make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	b.stats.Connections++
	b.logger.Debug("Connection opened", "client_id", opts.ClientID)
	return c, nil
}

// DestroyDestination removes a destination and everything queued on it
func (b *Broker) DestroyDestination(ctx context.Context, dest bus.Destination) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.destroyed = append(b.destroyed, dest)
	b.stats.Destroyed++

	if dest.Kind == bus.KindQueue || dest.Kind == bus.KindUnknown {
		if box, ok := b.queues[dest.Name]; ok {
			box.destroy()
			delete(b.queues, dest.Name)
			b.logger.Debug("Queue destroyed", "destination", dest.Name)
			return nil
		}
	}
	if dest.Kind == bus.KindTopic || dest.Kind == bus.KindUnknown {
		if t, ok := b.topics[dest.Name]; ok {
			for sub := range t.subs {
				sub.box.destroy()
			}
			delete(b.topics, dest.Name)
			b.logger.Debug("Topic destroyed", "destination", dest.Name)
			return nil
		}
	}
	return bus.ErrNotFound
}

// SetAvailable controls whether Connect succeeds
func (b *Broker) SetAvailable(available bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = available
}

// Sever breaks every open connection with the given client id, or every
// connection when clientID is empty, and fires their error callbacks.
// It returns the number of connections severed.
func (b *Broker) Sever(clientID string) int {
	b.mu.Lock()
	var targets []*connection
	for c := range b.conns {
		if clientID == "" || c.id == clientID {
			targets = append(targets, c)
			delete(b.conns, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.sever()
	}
	return len(targets)
}

// Destroyed returns every destination passed to DestroyDestination
func (b *Broker) Destroyed() []bus.Destination {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]bus.Destination, len(b.destroyed))
	copy(out, b.destroyed)
	return out
}

// QueueDepth returns the number of messages waiting on a queue
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	box, ok := b.queues[name]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	return box.len()
}

// Subscribers returns the number of subscriptions on a topic, including
// disconnected durable ones.
func (b *Broker) Subscribers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

// Stats returns a snapshot of broker counters
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

func (b *Broker) now() time.Time {
	return b.clock.Now()
}

func (b *Broker) queue(name string) *mailbox {
	box, ok := b.queues[name]
	if !ok {
		box = newMailbox()
		b.queues[name] = box
	}
	return box
}

func (b *Broker) topic(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*subscription]struct{}), durable: make(map[string]*subscription)}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) publish(dest bus.Destination, body []byte, opts bus.SendOptions) {
	now := b.now()
	e := envelope{delivery: bus.Delivery{Body: append([]byte(nil), body...), Timestamp: now}}
	if opts.TTL > 0 {
		e.expires = now.Add(opts.TTL)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Published++
	switch dest.Kind {
	case bus.KindTopic:
		t, ok := b.topics[dest.Name]
		if !ok || len(t.subs) == 0 {
			b.stats.Dropped++
			return
		}
		for sub := range t.subs {
			sub.box.put(e)
		}
	default:
		b.queue(dest.Name).put(e)
	}
}

func (b *Broker) subscribe(dest bus.Destination, durable string) *subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if dest.Kind != bus.KindTopic {
		return &subscription{box: b.queue(dest.Name)}
	}

	t := b.topic(dest.Name)
	if durable != "" {
		if sub, ok := t.durable[durable]; ok {
			return sub
		}
	}
	sub := &subscription{box: newMailbox(), durable: durable}
	t.subs[sub] = struct{}{}
	if durable != "" {
		t.durable[durable] = sub
	}
	return sub
}

// release detaches a subscription. Durable subscriptions keep buffering unless
// unsubscribe is set.
func (b *Broker) release(dest bus.Destination, sub *subscription, unsubscribe bool) {
	if dest.Kind != bus.KindTopic {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.durable != "" && !unsubscribe {
		return
	}
	t, ok := b.topics[dest.Name]
	if !ok {
		return
	}
	delete(t.subs, sub)
	if sub.durable != "" {
		delete(t.durable, sub.durable)
	}
}

func (b *Broker) forget(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, c)
}
