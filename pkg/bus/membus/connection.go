package membus

import (
	"context"
	"sync"

	"github.com/billm/tutornet/pkg/bus"
)

type connection struct {
	broker *Broker
	id     string

	mu        sync.Mutex
	onError   func(error)
	closed    bool
	broken    bool
	done      chan struct{}
	consumers []*consumer
}

func (c *connection) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = fn
}

func (c *connection) state() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.broken:
		return ErrConnectionLost
	case c.closed:
		return bus.ErrClosed
	default:
		return nil
	}
}

func (c *connection) CreateProducer(dest bus.Destination) (bus.Producer, error) {
	if err := c.state(); err != nil {
		return nil, err
	}
	return &producer{conn: c, dest: dest}, nil
}

func (c *connection) CreateConsumer(dest bus.Destination, durableName string) (bus.Consumer, error) {
	if err := c.state(); err != nil {
		return nil, err
	}
	cons := &consumer{
		conn: c,
		dest: dest,
		sub:  c.broker.subscribe(dest, durableName),
		stop: make(chan struct{}),
	}

	c.mu.Lock()
	c.consumers = append(c.consumers, cons)
	c.mu.Unlock()
	return cons, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	broken := c.broken
	consumers := c.consumers
	c.consumers = nil
	if !broken {
		close(c.done)
	}
	c.mu.Unlock()

	for _, cons := range consumers {
		_ = cons.Close()
	}
	c.broker.forget(c)
	if broken {
		return ErrConnectionLost
	}
	return nil
}

func (c *connection) sever() {
	c.mu.Lock()
	if c.broken || c.closed {
		c.mu.Unlock()
		return
	}
	c.broken = true
	close(c.done)
	consumers := c.consumers
	onError := c.onError
	c.mu.Unlock()

	for _, cons := range consumers {
		cons.halt()
	}
	c.broker.logger.Debug("Connection severed", "client_id", c.id)
	if onError != nil {
		go onError(ErrConnectionLost)
	}
}

type producer struct {
	conn   *connection
	dest   bus.Destination
	mu     sync.Mutex
	closed bool
}

func (p *producer) Send(ctx context.Context, body []byte, opts bus.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return bus.ErrClosed
	}
	if err := p.conn.state(); err != nil {
		return err
	}
	p.conn.broker.publish(p.dest, body, opts)
	return nil
}

func (p *producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

type consumer struct {
	conn *connection
	dest bus.Destination
	sub  *subscription

	once sync.Once
	stop chan struct{}
}

func (c *consumer) Receive(ctx context.Context) (bus.Delivery, error) {
	d, err := c.sub.box.take(ctx, c.stop, c.conn.broker.now)
	if err == bus.ErrClosed {
		if connErr := c.conn.state(); connErr == ErrConnectionLost {
			return d, connErr
		}
	}
	return d, err
}

func (c *consumer) Unsubscribe() error {
	if c.sub.durable == "" {
		return nil
	}
	if err := c.conn.state(); err != nil {
		return err
	}
	c.conn.broker.release(c.dest, c.sub, true)
	return nil
}

func (c *consumer) Close() error {
	c.halt()
	c.conn.broker.release(c.dest, c.sub, false)
	return nil
}

// halt wakes any blocked Receive without detaching the subscription.
func (c *consumer) halt() {
	c.once.Do(func() { close(c.stop) })
}
