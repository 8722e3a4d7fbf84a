// Package client implements the transport client: one bus destination with a
// connect, listen, reconnect and disconnect lifecycle. Queue and topic clients
// share all of it and differ only in the bus.Binder they are built with.
package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/bus"
	"github.com/billm/tutornet/pkg/fifo"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/metrics"
	"github.com/billm/tutornet/pkg/types"
)

// State is the connection state of a client
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOnline
	StateReconnecting
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOnline:
		return "online"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	DefaultReconnectInterval = time.Second
	DefaultPruneWindow       = 100 * time.Millisecond
	DefaultPriority          = 4
)

// Message is one inbound delivery. When the client has a codec, Envelope holds
// the decoded envelope, or the partially decoded header when Err is a
// *message.DecodeError.
type Message struct {
	Body       []byte
	Envelope   *message.Envelope
	Err        error
	Received   time.Time
	DecodeTime time.Duration
}

// Handler consumes inbound messages on the client's dispatcher goroutine.
// It must not call Disconnect on the same client.
type Handler func(Message)

// ConnectionListener is told about connection state changes
type ConnectionListener interface {
	// ConnectionOpened is called after a successful reconnect.
	ConnectionOpened(c *Client)
	// ConnectionLost is called when the transport failed under the client.
	ConnectionLost(c *Client)
	// ConnectionClosed is called once when the client was disconnected on purpose.
	ConnectionClosed(c *Client)
}

// Config configures a client
type Config struct {
	Destination string
	Binder      bus.Binder

	// Codec encodes Send and decodes inbound bodies. Without one the client
	// only moves raw bytes.
	Codec message.Codec

	// Handler makes the client a consumer. Nil means send only.
	Handler Handler

	// PruneOnStartup drops messages queued before the first connect.
	PruneOnStartup bool

	// KeepTrying reconnects after a transport failure.
	KeepTrying bool

	ReconnectInterval time.Duration
	PruneWindow       time.Duration
	Priority          int
	ClientIDPrefix    string

	Clock   clock.Clock
	Logger  *logger.Logger
	Metrics *metrics.Collectors
}

// Client owns one destination on the bus
type Client struct {
	cfg      Config
	broker   bus.Broker
	clock    clock.Clock
	logger   *logger.Logger
	metrics  *metrics.Collectors
	clientID string

	mu         sync.RWMutex
	state      State
	generation int
	conn       bus.Connection
	producer   bus.Producer
	consumer   bus.Consumer
	stopListen context.CancelFunc
	pruned     bool
	counted    bool

	active  atomic.Bool
	closing atomic.Bool
	// lost is set when a failed connection was torn down and reported
	lost atomic.Bool
	stop chan struct{}

	inbox        *fifo.Queue[Message]
	dispatchOnce sync.Once

	listenWG    sync.WaitGroup
	reconnectWG sync.WaitGroup
	dispatchWG  sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   map[ConnectionListener]struct{}
}

// New creates a disconnected client for cfg.Destination
func New(broker bus.Broker, cfg Config) (*Client, error) {
	if broker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker cannot be nil")
	}
	if cfg.Destination == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "destination cannot be empty")
	}
	if cfg.Binder == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "binder cannot be nil")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = DefaultReconnectInterval
	}
	if cfg.PruneWindow <= 0 {
		cfg.PruneWindow = DefaultPruneWindow
	}
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Global()
	}

	id := uuid.NewString()
	if cfg.ClientIDPrefix != "" {
		id = cfg.ClientIDPrefix + "-" + id
	}

	c := &Client{
		cfg:       cfg,
		broker:    broker,
		clock:     cfg.Clock,
		metrics:   cfg.Metrics,
		clientID:  id,
		state:     StateDisconnected,
		stop:      make(chan struct{}),
		inbox:     fifo.New[Message](),
		listeners: make(map[ConnectionListener]struct{}),
	}
	c.logger = cfg.Logger.With("component", "client", "destination", cfg.Destination, "kind", cfg.Binder.Kind().String())
	c.active.Store(true)
	return c, nil
}

// Destination returns the destination name
func (c *Client) Destination() string {
	return c.cfg.Destination
}

// Kind returns whether the client is bound to a queue or a topic
func (c *Client) Kind() bus.DestinationKind {
	return c.cfg.Binder.Kind()
}

// ClientID returns the id the client connects with
func (c *Client) ClientID() string {
	return c.clientID
}

// IsConsumer reports whether the client receives messages
func (c *Client) IsConsumer() bool {
	return c.cfg.Handler != nil
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Active reports whether Disconnect has not been called yet
func (c *Client) Active() bool {
	return c.active.Load()
}

// Online reports whether the client can currently send
func (c *Client) Online() bool {
	return c.State() == StateOnline
}

// AddConnectionListener registers l for state notifications
func (c *Client) AddConnectionListener(l ConnectionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners[l] = struct{}{}
}

// RemoveConnectionListener unregisters l
func (c *Client) RemoveConnectionListener(l ConnectionListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	delete(c.listeners, l)
}

// Connect opens the connection, binds the destination and starts the listener.
// Connecting an online client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	if !c.active.Load() {
		return types.NewError(types.ErrCodeFailedPrecondition, "client is disconnected: "+c.cfg.Destination)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active.Load() {
		return types.NewError(types.ErrCodeFailedPrecondition, "client is disconnected: "+c.cfg.Destination)
	}
	switch c.state {
	case StateOnline:
		return nil
	case StateReconnecting:
		return types.NewError(types.ErrCodeUnavailable, "client is reconnecting: "+c.cfg.Destination)
	}
	if c.state == StateDisconnected {
		c.state = StateConnecting
	}
	if err := c.connectLocked(ctx); err != nil {
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		return err
	}
	return nil
}

// connectLocked requires c.mu
func (c *Client) connectLocked(ctx context.Context) error {
	conn, err := c.broker.Connect(ctx, bus.ConnectOptions{ClientID: c.clientID})
	if err != nil {
		return types.WrapError(types.ErrCodeConnection, "failed to connect to the broker for "+c.cfg.Destination, err)
	}

	c.generation++
	gen := c.generation
	conn.OnError(func(err error) { c.onConnectionError(gen, err) })

	producer, consumer, err := c.cfg.Binder.Bind(conn, c.cfg.Destination, c.cfg.Handler != nil)
	if err != nil {
		_ = conn.Close()
		return types.WrapError(types.ErrCodeConnection, "failed to bind "+c.cfg.Destination, err)
	}

	c.conn, c.producer, c.consumer = conn, producer, consumer
	c.state = StateOnline
	c.lost.Store(false)
	if !c.counted {
		c.counted = true
		c.metrics.ClientOnline(true)
	}

	if consumer != nil {
		c.startDispatcher()
		listenCtx, cancel := context.WithCancel(context.Background())
		c.stopListen = cancel
		prune := c.cfg.PruneOnStartup && !c.pruned
		c.pruned = true
		c.listenWG.Add(1)
		go c.listen(listenCtx, consumer, prune)
	}

	c.logger.Info("Connected to message broker", "client_id", c.clientID)
	return nil
}

// Send encodes env with the client codec and publishes it
func (c *Client) Send(ctx context.Context, env *message.Envelope) error {
	if c.cfg.Codec == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "client has no codec: "+c.cfg.Destination)
	}
	body, err := c.cfg.Codec.Encode(env)
	if err != nil {
		return types.WrapError(types.ErrCodeInvalid, "failed to encode message for "+c.cfg.Destination, err)
	}
	return c.SendRaw(ctx, body)
}

// SendRaw publishes body. It only succeeds while the client is online and
// active. Messages never expire so receiver clock skew cannot drop them.
func (c *Client) SendRaw(ctx context.Context, body []byte) error {
	c.mu.RLock()
	state := c.state
	producer := c.producer
	c.mu.RUnlock()

	if !c.active.Load() || state != StateOnline || producer == nil {
		err := types.NewError(types.ErrCodeUnavailable,
			fmt.Sprintf("client for %s is not usable (state=%s, active=%v)", c.cfg.Destination, state, c.active.Load()))
		c.metrics.RecordSend(c.Kind().String(), err)
		return err
	}

	err := producer.Send(ctx, body, bus.SendOptions{Priority: c.cfg.Priority, TTL: 0, Persistent: false})
	c.metrics.RecordSend(c.Kind().String(), err)
	if err != nil {
		return types.WrapError(types.ErrCodeConnection, "failed to send to "+c.cfg.Destination, err)
	}
	return nil
}

// Disconnect is the terminal transition. It stops every goroutine, closes the
// broker resources, optionally destroys the destination and notifies the
// listeners. Listeners already told the connection was lost are not told again.
// Calls after the first return nil immediately.
func (c *Client) Disconnect(ctx context.Context, destroyDestination bool) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Info("Disconnecting", "destroy", destroyDestination)

	c.mu.Lock()
	c.active.Store(false)
	close(c.stop)
	c.mu.Unlock()

	c.inbox.Close()
	c.stopListener()
	c.reconnectWG.Wait()
	c.dispatchWG.Wait()

	c.mu.Lock()
	c.terminateLocked()
	c.mu.Unlock()

	var err error
	if destroyDestination {
		err = c.Destroy(ctx)
	}

	if !c.lost.Load() {
		c.notify(false)
	}
	c.logger.Info("Disconnected")
	return err
}

// Destroy issues the administrative delete of the client's destination
func (c *Client) Destroy(ctx context.Context) error {
	dest := bus.Destination{Name: c.cfg.Destination, Kind: c.Kind()}
	if err := c.broker.DestroyDestination(ctx, dest); err != nil {
		c.logger.Error("Failed to destroy destination", "error", err)
		return types.WrapError(types.ErrCodeInternal, "failed to destroy "+dest.String(), err)
	}
	c.logger.Info("Destination destroyed")
	return nil
}

func (c *Client) stopListener() {
	c.mu.Lock()
	cancel := c.stopListen
	consumer := c.consumer
	c.stopListen = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if consumer != nil {
		_ = consumer.Close()
	}
	c.listenWG.Wait()
}

// terminateLocked closes every broker resource independently. It requires c.mu.
func (c *Client) terminateLocked() {
	var err error
	if c.producer != nil {
		err = multierr.Append(err, c.producer.Close())
	}
	if c.consumer != nil {
		if c.cfg.Binder.Durable() {
			err = multierr.Append(err, c.consumer.Unsubscribe())
		}
		err = multierr.Append(err, c.consumer.Close())
	}
	if c.conn != nil {
		err = multierr.Append(err, c.conn.Close())
	}
	c.producer, c.consumer, c.conn = nil, nil, nil
	c.state = StateDisconnected
	if c.counted {
		c.counted = false
		c.metrics.ClientOnline(false)
	}

	for _, e := range multierr.Errors(err) {
		c.logger.Warn("Error while closing broker resources", "error", e)
	}
}

func (c *Client) onConnectionError(gen int, err error) {
	c.mu.Lock()
	if gen != c.generation || !c.active.Load() || c.state != StateOnline {
		c.mu.Unlock()
		return
	}
	if c.counted {
		c.counted = false
		c.metrics.ClientOnline(false)
	}
	if !c.cfg.KeepTrying {
		c.state = StateDisconnected
		c.mu.Unlock()
		c.logger.Warn("Connection failed", "error", err)
		c.stopListener()
		c.mu.Lock()
		c.terminateLocked()
		c.lost.Store(true)
		c.mu.Unlock()
		c.notify(true)
		return
	}
	c.state = StateReconnecting
	c.reconnectWG.Add(1)
	c.mu.Unlock()

	c.logger.Warn("Connection failed, attempting to reconnect", "error", err)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer c.reconnectWG.Done()

	c.stopListener()
	c.mu.Lock()
	c.terminateLocked()
	c.state = StateReconnecting
	c.mu.Unlock()
	c.notify(true)

	for c.active.Load() {
		c.mu.Lock()
		if !c.active.Load() {
			c.mu.Unlock()
			break
		}
		err := c.connectLocked(context.Background())
		c.mu.Unlock()
		c.metrics.RecordReconnect(err)

		if err == nil {
			c.logger.Warn("Reconnected")
			c.notifyOpened()
			return
		}

		select {
		case <-c.clock.After(c.cfg.ReconnectInterval):
		case <-c.stop:
		}
	}
	c.logger.Error("Failed to reconnect")
}

func (c *Client) listen(ctx context.Context, consumer bus.Consumer, prune bool) {
	defer c.listenWG.Done()

	if prune {
		if first, ok := c.prune(ctx, consumer); ok {
			c.enqueue(first)
		}
	}

	for {
		d, err := consumer.Receive(ctx)
		if err != nil {
			if c.active.Load() && ctx.Err() == nil {
				c.logger.Debug("Listener stopped", "error", err)
			}
			return
		}
		c.enqueue(d)
	}
}

// prune drops messages published before startup. The first newer message,
// if any, is returned so it is not lost.
func (c *Client) prune(ctx context.Context, consumer bus.Consumer) (bus.Delivery, bool) {
	startup := c.clock.Now()

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.PruneWindow)
	d, err := consumer.Receive(waitCtx)
	cancel()

	dropped := 0
	for err == nil && d.Timestamp.Before(startup) {
		dropped++
		pollCtx, pollCancel := context.WithCancel(ctx)
		pollCancel()
		d, err = consumer.Receive(pollCtx)
	}
	if dropped > 0 {
		c.logger.Info("Pruned stale messages", "count", dropped)
	}
	return d, err == nil
}

func (c *Client) enqueue(d bus.Delivery) {
	if !c.active.Load() {
		return
	}
	msg := Message{Body: d.Body, Received: d.Timestamp}
	if c.cfg.Codec != nil {
		start := time.Now()
		msg.Envelope, msg.Err = c.cfg.Codec.Decode(d.Body)
		msg.DecodeTime = time.Since(start)
	}
	c.inbox.Push(msg, fifo.Normal)
}

// startDispatcher starts the single dispatcher goroutine once
func (c *Client) startDispatcher() {
	c.dispatchOnce.Do(func() {
		c.dispatchWG.Add(1)
		go c.dispatch()
	})
}

func (c *Client) dispatch() {
	defer c.dispatchWG.Done()

	for {
		msg, err := c.inbox.Pop(context.Background())
		if err != nil {
			break
		}
		c.handle(msg)
	}

	if discarded := c.inbox.Drain(); len(discarded) > 0 {
		c.logger.Info("Discarded undelivered messages", "count", len(discarded))
	}
}

func (c *Client) handle(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Caught panic from mis-behaving message handler",
				"code", types.ErrCodeMisbehavingCallback, "panic", r)
		}
	}()
	c.cfg.Handler(msg)
}

func (c *Client) snapshotListeners() []ConnectionListener {
	c.listenersMu.RLock()
	defer c.listenersMu.RUnlock()
	out := make([]ConnectionListener, 0, len(c.listeners))
	for l := range c.listeners {
		out = append(out, l)
	}
	return out
}

// notify tells listeners the connection was lost or closed
func (c *Client) notify(lost bool) {
	for _, l := range c.snapshotListeners() {
		c.safeCall(l, func() {
			if lost {
				l.ConnectionLost(c)
			} else {
				l.ConnectionClosed(c)
			}
		})
	}
}

func (c *Client) notifyOpened() {
	for _, l := range c.snapshotListeners() {
		c.safeCall(l, func() { l.ConnectionOpened(c) })
	}
}

func (c *Client) safeCall(l ConnectionListener, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Caught panic from mis-behaving connection listener",
				"code", types.ErrCodeMisbehavingCallback, "listener", fmt.Sprintf("%T", l), "panic", r)
		}
	}()
	fn()
}

// String returns a string representation of the client
func (c *Client) String() string {
	return fmt.Sprintf("Client{destination: %s, kind: %s, id: %s, state: %s}",
		c.cfg.Destination, c.Kind(), c.clientID, c.State())
}
