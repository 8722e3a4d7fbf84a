package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/bus"
	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/collection"
	"github.com/billm/tutornet/pkg/discovery"
	"github.com/billm/tutornet/pkg/fifo"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/metrics"
	"github.com/billm/tutornet/pkg/types"
)

const (
	// DefaultSlowDecodeThreshold is how long an inbound decode may take before it is logged.
	DefaultSlowDecodeThreshold = 500 * time.Millisecond
)

// Handler handles a decoded envelope that no pending request claimed.
// Returning an error, or panicking, answers the sender with a PROCESSED_NACK.
type Handler func(ctx context.Context, env *message.Envelope) error

// AllocatedModuleListener is told when a module bound to a session stops
// sending heartbeats.
type AllocatedModuleListener interface {
	AllocatedModuleRemoved(key types.CompositeSessionKey, status types.PeerDescriptor)
}

// Options configures a Router
type Options struct {
	ModuleType types.ModuleType
	Name       string
	// Address is the inbox queue of this module.
	Address string

	Architecture *Architecture
	Monitor      *discovery.Monitor
	Codec        message.Codec
	PayloadCodec message.PayloadCodec
	Handler      Handler

	AckTimeout          time.Duration
	SlowDecodeThreshold time.Duration
	// IPFilter restricts module selection to candidates accepted by the connection filter.
	IPFilter            bool
	PruneInboxOnStartup bool

	ReconnectInterval time.Duration
	PruneWindow       time.Duration
	Priority          int
	ClientIDPrefix    string

	LocalAddresses LocalAddressesFunc

	Clock   clock.Clock
	Logger  *logger.Logger
	Metrics *metrics.Collectors
}

// Router owns the transport clients of one module. It decodes the module's
// inbox, routes outbound messages by the architecture tables and the per
// session bindings, and allocates peer modules for sessions.
type Router struct {
	opts    Options
	broker  bus.Broker
	arch    *Architecture
	monitor *discovery.Monitor
	clock   clock.Clock
	logger  *logger.Logger
	metrics *metrics.Collectors

	seq    *message.Sequencer
	sender message.Sender

	inbox      *client.Client
	queue      *fifo.Queue[*message.Envelope]
	dispatchWG sync.WaitGroup

	started      atomic.Bool
	shuttingDown atomic.Bool
	cleanupOnce  sync.Once
	cleanupErr   error

	mu              sync.RWMutex
	clients         map[string]*client.Client
	clientTypes     map[*client.Client]types.ModuleType
	moduleAddresses map[types.ModuleType][]string
	bindings        map[types.CompositeSessionKey]string
	gatewayTopics   map[types.CompositeSessionKey]string
	destroyOnClose  map[*client.Client]struct{}

	trackersMu sync.Mutex
	trackers   map[int64]*collection.Tracker

	listenersMu        sync.RWMutex
	allocatedListeners []AllocatedModuleListener
	simulationHandler  client.Handler
}

// New creates a router. Start must be called before it receives anything.
func New(broker bus.Broker, opts Options) (*Router, error) {
	if broker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker cannot be nil")
	}
	if !opts.ModuleType.IsValid() {
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid module type %q", opts.ModuleType))
	}
	if opts.Address == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "inbox address cannot be empty")
	}
	if opts.Name == "" {
		opts.Name = opts.ModuleType.DisplayName()
	}
	if opts.Architecture == nil {
		opts.Architecture = NewArchitecture(ArchitectureOptions{})
	}
	if opts.Codec == nil {
		opts.Codec = message.BinaryCodec{}
	}
	if opts.PayloadCodec == nil {
		pc, err := message.CBOR()
		if err != nil {
			return nil, err
		}
		opts.PayloadCodec = pc
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = collection.DefaultAckTimeout
	}
	if opts.SlowDecodeThreshold <= 0 {
		opts.SlowDecodeThreshold = DefaultSlowDecodeThreshold
	}
	if opts.LocalAddresses == nil {
		opts.LocalAddresses = InterfaceAddresses
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	if opts.Monitor == nil {
		opts.Monitor = discovery.NewMonitor(discovery.MonitorOptions{Clock: opts.Clock, Logger: opts.Logger})
	}

	seq := &message.Sequencer{}
	r := &Router{
		opts:    opts,
		broker:  broker,
		arch:    opts.Architecture,
		monitor: opts.Monitor,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		seq:     seq,
		sender: message.Sender{
			Name:    opts.Name,
			Address: opts.Address,
			Module:  opts.ModuleType,
			Seq:     seq,
		},
		queue:           fifo.New[*message.Envelope](),
		clients:         make(map[string]*client.Client),
		clientTypes:     make(map[*client.Client]types.ModuleType),
		moduleAddresses: make(map[types.ModuleType][]string),
		bindings:        make(map[types.CompositeSessionKey]string),
		gatewayTopics:   make(map[types.CompositeSessionKey]string),
		destroyOnClose:  make(map[*client.Client]struct{}),
		trackers:        make(map[int64]*collection.Tracker),
	}
	r.logger = opts.Logger.With("component", "router", "module", string(opts.ModuleType), "address", opts.Address)
	r.monitor.AddListener(r)
	return r, nil
}

// Start connects the inbox, subscribes to the discovery topics of the module
// types this module allocates and starts the dispatch goroutine.
func (r *Router) Start(ctx context.Context) error {
	if r.shuttingDown.Load() {
		return types.NewError(types.ErrCodeFailedPrecondition, "router has been cleaned up")
	}
	if !r.started.CompareAndSwap(false, true) {
		return types.NewError(types.ErrCodeAlreadyExists, "router already started")
	}

	inbox, err := r.newClient(r.opts.Address, bus.QueueBinder{}, r.onInbox, r.opts.PruneInboxOnStartup)
	if err != nil {
		return err
	}
	r.inbox = inbox

	r.dispatchWG.Add(1)
	go r.dispatch()

	if err := inbox.Connect(ctx); err != nil {
		return types.WrapError(types.ErrCodeConnection, "unable to establish a network connection to the message bus", err)
	}

	for _, topic := range r.arch.DiscoveryTopics(r.opts.ModuleType) {
		if _, err := r.createTopicClient(ctx, topic, r.onDiscovery, false); err != nil {
			r.logger.Error("Failed to subscribe to discovery topic", "topic", topic, "error", err)
		}
	}

	r.logger.Info("Router started", "codec", r.opts.Codec.Name())
	return nil
}

// Cleanup disconnects every client of the router and stops dispatching. When
// destroy is set the inbox and every client created with destroy on cleanup
// have their destinations removed from the bus. Only the first call does anything.
func (r *Router) Cleanup(ctx context.Context, destroy bool) error {
	r.cleanupOnce.Do(func() {
		r.shuttingDown.Store(true)
		r.logger.Info("Cleaning up router", "destroy", destroy)

		var errs error
		if r.inbox != nil {
			errs = multierr.Append(errs, r.inbox.Disconnect(ctx, destroy))
		}

		r.mu.Lock()
		clients := make([]*client.Client, 0, len(r.clients))
		for _, c := range r.clients {
			clients = append(clients, c)
		}
		toDestroy := make([]*client.Client, 0, len(r.destroyOnClose))
		for c := range r.destroyOnClose {
			toDestroy = append(toDestroy, c)
		}
		r.destroyOnClose = make(map[*client.Client]struct{})
		r.mu.Unlock()

		for _, c := range clients {
			errs = multierr.Append(errs, c.Disconnect(ctx, false))
		}

		r.queue.Close()
		r.dispatchWG.Wait()

		if destroy {
			for _, c := range toDestroy {
				if err := c.Destroy(ctx); err != nil {
					r.logger.Warn("Failed to destroy destination", "destination", c.Destination(), "error", err)
				}
			}
		}
		r.cleanupErr = errs
	})
	return r.cleanupErr
}

// ModuleType returns the module type this router serves
func (r *Router) ModuleType() types.ModuleType {
	return r.opts.ModuleType
}

// Address returns the inbox address
func (r *Router) Address() string {
	return r.opts.Address
}

// Inbox returns the inbox client, nil before Start.
func (r *Router) Inbox() *client.Client {
	return r.inbox
}

// Sender returns the identity stamped on outgoing envelopes.
func (r *Router) Sender() message.Sender {
	return r.sender
}

// Architecture returns the routing tables
func (r *Router) Architecture() *Architecture {
	return r.arch
}

// Monitor returns the discovery monitor the router selects modules from.
func (r *Router) Monitor() *discovery.Monitor {
	return r.monitor
}

// PayloadCodec returns the codec used for control payloads.
func (r *Router) PayloadCodec() message.PayloadCodec {
	return r.opts.PayloadCodec
}

// AddAllocatedModuleListener registers l for expiry of bound modules.
func (r *Router) AddAllocatedModuleListener(l AllocatedModuleListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.allocatedListeners = append(r.allocatedListeners, l)
}

// RegisterSimulationHandler sets the handler for gateway simulation topics.
// A gateway cannot be allocated until one is registered.
func (r *Router) RegisterSimulationHandler(h client.Handler) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.simulationHandler = h
}

func (r *Router) simulation() client.Handler {
	r.listenersMu.RLock()
	defer r.listenersMu.RUnlock()
	return r.simulationHandler
}

// SubscribeTopic creates a consumer for topic delivering to h.
func (r *Router) SubscribeTopic(ctx context.Context, topic string, h client.Handler) error {
	_, err := r.createTopicClient(ctx, topic, h, false)
	return err
}

func (r *Router) newClient(destination string, binder bus.Binder, h client.Handler, prune bool) (*client.Client, error) {
	return client.New(r.broker, client.Config{
		Destination:       destination,
		Binder:            binder,
		Codec:             r.opts.Codec,
		Handler:           h,
		PruneOnStartup:    prune,
		KeepTrying:        true,
		ReconnectInterval: r.opts.ReconnectInterval,
		PruneWindow:       r.opts.PruneWindow,
		Priority:          r.opts.Priority,
		ClientIDPrefix:    r.opts.ClientIDPrefix,
		Clock:             r.clock,
		Logger:            r.opts.Logger,
		Metrics:           r.metrics,
	})
}

// createQueueClient returns the client for address, connecting a new send-only
// client when there is none yet.
func (r *Router) createQueueClient(ctx context.Context, address string, moduleType types.ModuleType, destroy bool) (*client.Client, error) {
	if address == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "address cannot be empty")
	}
	if existing := r.existing(address, moduleType); existing != nil {
		return existing, nil
	}
	c, err := r.newClient(address, bus.QueueBinder{}, nil, false)
	if err != nil {
		return nil, err
	}
	return r.register(ctx, c, moduleType, destroy)
}

// createTopicClient subscribes to topic. Each topic has at most one client.
func (r *Router) createTopicClient(ctx context.Context, topic string, h client.Handler, destroy bool) (*client.Client, error) {
	if topic == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "topic cannot be empty")
	}
	if r.HaveConnection(topic) {
		return nil, types.NewError(types.ErrCodeAlreadyExists, "there is already a message client for topic "+topic)
	}
	c, err := r.newClient(topic, bus.TopicBinder{}, h, false)
	if err != nil {
		return nil, err
	}
	return r.register(ctx, c, "", destroy)
}

func (r *Router) existing(address string, moduleType types.ModuleType) *client.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[address]
	if !ok {
		return nil
	}
	r.addModuleAddressLocked(moduleType, address)
	return c
}

// register connects c and records it. When another goroutine registered the
// same destination first, c is dropped and the winner returned.
func (r *Router) register(ctx context.Context, c *client.Client, moduleType types.ModuleType, destroy bool) (*client.Client, error) {
	if r.shuttingDown.Load() {
		return nil, types.NewError(types.ErrCodeFailedPrecondition, "router is shutting down")
	}
	if err := c.Connect(ctx); err != nil {
		_ = c.Disconnect(ctx, false)
		return nil, types.WrapError(types.ErrCodeConnection, "failed to connect message client for "+c.Destination(), err)
	}

	r.mu.Lock()
	if winner, ok := r.clients[c.Destination()]; ok {
		r.addModuleAddressLocked(moduleType, c.Destination())
		r.mu.Unlock()
		_ = c.Disconnect(ctx, false)
		return winner, nil
	}
	r.clients[c.Destination()] = c
	r.clientTypes[c] = moduleType
	r.addModuleAddressLocked(moduleType, c.Destination())
	if destroy {
		r.destroyOnClose[c] = struct{}{}
	}
	r.mu.Unlock()

	c.AddConnectionListener(r)
	r.logger.Debug("Created message client", "destination", c.Destination(), "module_type", string(moduleType))
	return c, nil
}

func (r *Router) addModuleAddressLocked(moduleType types.ModuleType, address string) {
	if moduleType == "" {
		return
	}
	for _, a := range r.moduleAddresses[moduleType] {
		if a == address {
			return
		}
	}
	r.moduleAddresses[moduleType] = append(r.moduleAddresses[moduleType], address)
}

// Client returns the client registered for address.
func (r *Router) Client(address string) *client.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[address]
}

// HaveConnection reports whether a client is registered for address.
func (r *Router) HaveConnection(address string) bool {
	return r.Client(address) != nil
}

// HaveSessionConnection reports whether messages of the session can reach a
// module of type mt.
func (r *Router) HaveSessionConnection(session *types.UserSession, mt types.ModuleType) bool {
	name := r.connectionName(session, mt)
	return name != "" && r.HaveConnection(name)
}

// ConnectedModuleTypes returns the module types with at least one client, sorted.
func (r *Router) ConnectedModuleTypes() []types.ModuleType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ModuleType, 0, len(r.moduleAddresses))
	for mt, addrs := range r.moduleAddresses {
		if len(addrs) > 0 {
			out = append(out, mt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ConnectedAddresses returns every registered destination, sorted.
func (r *Router) ConnectedAddresses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for a := range r.clients {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ModuleAddresses returns the addresses known for a module type in the order
// they were connected.
func (r *Router) ModuleAddresses(mt types.ModuleType) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.moduleAddresses[mt]...)
}

// Binding returns the address bound to the session for mt.
func (r *Router) Binding(session *types.UserSession, mt types.ModuleType) (string, bool) {
	if session == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.bindings[session.Key(mt)]
	return a, ok
}

// BindingCount returns the number of session bindings.
func (r *Router) BindingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// bind records that session talks to address for mt. Pre-user sessions are never bound.
func (r *Router) bind(session *types.UserSession, mt types.ModuleType, address string) {
	if session == nil || session.UserID == types.PreUserUnknownID {
		return
	}
	r.mu.Lock()
	r.bindings[session.Key(mt)] = address
	n := len(r.bindings)
	r.mu.Unlock()
	r.metrics.SetBindings(n)
	r.logger.Info("Bound module to session", "session", session.String(), "module_type", string(mt), "address", address)
}

// connectionName resolves the address messages of session go to for mt.
func (r *Router) connectionName(session *types.UserSession, mt types.ModuleType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if session != nil {
		if a, ok := r.bindings[session.Key(mt)]; ok {
			return a
		}
	}
	if r.fallsBackToAnyModule(mt) {
		if addrs := r.moduleAddresses[mt]; len(addrs) > 0 {
			return addrs[0]
		}
	}
	return ""
}

// fallsBackToAnyModule reports whether messages to mt may use any known
// instance when the session has no binding. UMS and LMS are shared by every
// session.
func (r *Router) fallsBackToAnyModule(mt types.ModuleType) bool {
	switch {
	case mt == types.ModuleUMS, mt == types.ModuleLMS:
		return true
	case r.opts.ModuleType == types.ModuleTutor && mt == types.ModuleDomain:
		return true
	case r.opts.ModuleType == types.ModuleMonitor && mt == types.ModuleGateway:
		return true
	}
	return false
}

// LinkModuleClient binds the session to an address that already has a client.
func (r *Router) LinkModuleClient(session *types.UserSession, mt types.ModuleType, address string) error {
	if !r.HaveConnection(address) {
		return types.NewError(types.ErrCodeNotFound, "there is no message client for "+address)
	}
	r.bind(session, mt, address)
	return nil
}

// RemoveUserConnection drops the binding of session for mt. The client is
// removed too when no other binding refers to it.
func (r *Router) RemoveUserConnection(ctx context.Context, session *types.UserSession, mt types.ModuleType) {
	r.removeUserConnection(ctx, session, mt, true, false)
}

func (r *Router) removeUserConnection(ctx context.Context, session *types.UserSession, mt types.ModuleType, disconnect, destroy bool) {
	if session == nil {
		return
	}
	key := session.Key(mt)
	r.mu.Lock()
	address, ok := r.bindings[key]
	delete(r.bindings, key)
	shared := false
	if ok {
		for _, a := range r.bindings {
			if a == address {
				shared = true
				break
			}
		}
	}
	n := len(r.bindings)
	r.mu.Unlock()
	r.metrics.SetBindings(n)

	if ok && !shared && disconnect {
		r.removeConnection(ctx, address, true, destroy)
	}
}

// removeConnection forgets address: its client, its module type entry and
// every binding that points at it. With disconnect set the client is also
// disconnected, destroying its destination when destroy is set.
func (r *Router) removeConnection(ctx context.Context, address string, disconnect, destroy bool) bool {
	r.mu.Lock()
	c := r.clients[address]
	delete(r.clients, address)
	for mt, addrs := range r.moduleAddresses {
		kept := addrs[:0]
		for _, a := range addrs {
			if a != address {
				kept = append(kept, a)
			}
		}
		if len(kept) == 0 {
			delete(r.moduleAddresses, mt)
		} else {
			r.moduleAddresses[mt] = kept
		}
	}
	for key, a := range r.bindings {
		if a == address {
			delete(r.bindings, key)
		}
	}
	for key, a := range r.gatewayTopics {
		if a == address {
			delete(r.gatewayTopics, key)
		}
	}
	if c != nil && disconnect {
		delete(r.clientTypes, c)
		delete(r.destroyOnClose, c)
	}
	n := len(r.bindings)
	r.mu.Unlock()
	r.metrics.SetBindings(n)

	if !disconnect {
		return true
	}
	if c != nil {
		if err := c.Disconnect(ctx, destroy); err != nil {
			r.logger.Warn("Error disconnecting message client", "destination", address, "error", err)
		}
		return true
	}
	if destroy {
		r.attemptDestroy(ctx, address)
	}
	return false
}

// attemptDestroy removes a destination this router has no client for.
func (r *Router) attemptDestroy(ctx context.Context, address string) {
	if err := r.broker.DestroyDestination(ctx, bus.Destination{Name: address, Kind: bus.KindUnknown}); err != nil {
		r.logger.Debug("Unable to destroy destination", "destination", address, "error", err)
	}
}

func (r *Router) registered(c *client.Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[c.Destination()] == c
}

// ConnectionOpened re-registers a client that reconnected after a loss.
func (r *Router) ConnectionOpened(c *client.Client) {
	if r.shuttingDown.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	mt, known := r.clientTypes[c]
	if !known {
		return
	}
	if existing, ok := r.clients[c.Destination()]; ok {
		if existing != c {
			r.logger.Error("There is already a message client for destination", "destination", c.Destination())
		}
		return
	}
	r.clients[c.Destination()] = c
	r.addModuleAddressLocked(mt, c.Destination())
	r.logger.Info("Message client reconnected", "destination", c.Destination())
}

// ConnectionLost unregisters the client while it reconnects.
func (r *Router) ConnectionLost(c *client.Client) {
	if r.shuttingDown.Load() || !r.registered(c) {
		return
	}
	r.logger.Warn("Lost connection to destination", "destination", c.Destination())
	r.removeConnection(context.Background(), c.Destination(), false, false)
}

// ConnectionClosed removes the client for good.
func (r *Router) ConnectionClosed(c *client.Client) {
	if r.shuttingDown.Load() {
		return
	}
	if r.registered(c) {
		r.removeConnection(context.Background(), c.Destination(), true, false)
		return
	}
	r.mu.Lock()
	delete(r.clientTypes, c)
	delete(r.destroyOnClose, c)
	r.mu.Unlock()
}

// ModuleStatusRemoved is called by the monitor when a peer expires. Sessions
// bound to it are reported to the allocated module listeners.
func (r *Router) ModuleStatusRemoved(status types.PeerDescriptor) {
	if r.shuttingDown.Load() {
		return
	}
	r.mu.RLock()
	c := r.clients[status.Address]
	var keys []types.CompositeSessionKey
	for key, a := range r.bindings {
		if a == status.Address {
			keys = append(keys, key)
		}
	}
	_, destroy := r.destroyOnClose[c]
	r.mu.RUnlock()

	r.listenersMu.RLock()
	listeners := append([]AllocatedModuleListener(nil), r.allocatedListeners...)
	r.listenersMu.RUnlock()

	for _, key := range keys {
		for _, l := range listeners {
			go r.notifyRemoved(l, key, status)
		}
	}

	if c != nil && destroy {
		r.logger.Info("Destroying destination of expired module", "destination", status.Address)
		if err := c.Disconnect(context.Background(), true); err != nil {
			r.logger.Warn("Error disconnecting expired module", "destination", status.Address, "error", err)
		}
	}
}

func (r *Router) notifyRemoved(l AllocatedModuleListener, key types.CompositeSessionKey, status types.PeerDescriptor) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Caught exception from mis-behaving allocated module listener",
				"listener", fmt.Sprintf("%T", l), "panic", rec)
		}
	}()
	l.AllocatedModuleRemoved(key, status)
}

// String returns a string representation of the router
func (r *Router) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Router{module: %s, address: %s, clients: %d, bindings: %d}",
		r.opts.ModuleType, r.opts.Address, len(r.clients), len(r.bindings))
}
