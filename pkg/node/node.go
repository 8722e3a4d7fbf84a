package node

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/billm/tutornet/internal/config"
	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/bus"
	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/discovery"
	tgrpc "github.com/billm/tutornet/pkg/grpc"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/metrics"
	"github.com/billm/tutornet/pkg/network"
	"github.com/billm/tutornet/pkg/types"
)

// Options configures a Node
type Options struct {
	ModuleType types.ModuleType
	Name       string
	// Instance distinguishes several nodes of one type on the same host.
	Instance string

	// Handler receives every message the node does not handle itself.
	Handler network.Handler
	// SimulationHandler receives messages from gateway simulation topics.
	SimulationHandler client.Handler
	// Health, when set, gets a live check reporting the node's inbox state.
	Health *tgrpc.HealthServer

	LocalAddresses network.LocalAddressesFunc
	Clock          clock.Clock
	Logger         *logger.Logger
	Metrics        *metrics.Collectors
}

// Node is one module joined to the tutoring network. It owns the module's
// router, announces the module on its discovery topic and answers module
// allocation requests.
type Node struct {
	cfg     *config.Config
	opts    Options
	broker  bus.Broker
	logger  *logger.Logger
	metrics *metrics.Collectors

	status    types.PeerDescriptor
	monitor   *discovery.Monitor
	router    *network.Router
	beacon    *client.Client
	heartbeat *discovery.Heartbeat

	mu          sync.Mutex
	allocations map[types.CompositeSessionKey]*types.UserSession

	started   atomic.Bool
	killed    chan struct{}
	killOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New creates a node from the process configuration. Start joins the network.
func New(broker bus.Broker, cfg *config.Config, opts Options) (*Node, error) {
	if broker == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "broker cannot be nil")
	}
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config cannot be nil")
	}
	if !opts.ModuleType.IsValid() {
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid module type %q", opts.ModuleType))
	}
	if opts.Name == "" {
		opts.Name = opts.ModuleType.DisplayName()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}

	codec, err := message.NewRegistry().Get(cfg.Bus.Codec)
	if err != nil {
		return nil, err
	}
	payloadCodec, err := message.PayloadCodecFor(cfg.Bus.PayloadCodec)
	if err != nil {
		return nil, err
	}

	status := types.PeerDescriptor{
		ModuleType: opts.ModuleType,
		ModuleName: opts.Name,
		Address:    types.FormatAddress(opts.ModuleType, cfg.Network.Host, opts.Instance),
	}
	if opts.ModuleType == types.ModuleGateway {
		status.TopicAddress = types.FormatTopicAddress(opts.ModuleType, cfg.Network.Host, opts.Instance)
	}

	n := &Node{
		cfg:         cfg,
		opts:        opts,
		broker:      broker,
		logger:      opts.Logger.With("component", "node", "module", string(opts.ModuleType), "name", opts.Name),
		metrics:     opts.Metrics,
		status:      status,
		allocations: make(map[types.CompositeSessionKey]*types.UserSession),
		killed:      make(chan struct{}),
	}

	n.monitor = discovery.NewMonitor(discovery.MonitorOptions{
		StalenessTimeout: cfg.Discovery.StalenessTimeout,
		CheckInterval:    cfg.Discovery.CheckInterval,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
	})

	n.router, err = network.New(broker, network.Options{
		ModuleType: opts.ModuleType,
		Name:       opts.Name,
		Address:    status.Address,
		Architecture: network.NewArchitecture(network.ArchitectureOptions{
			RedirectTutorToGateway: cfg.Network.RedirectTutorToGateway,
		}),
		Monitor:             n.monitor,
		Codec:               codec,
		PayloadCodec:        payloadCodec,
		Handler:             n.handle,
		AckTimeout:          cfg.Network.AckTimeout,
		SlowDecodeThreshold: cfg.Network.SlowDecodeThreshold,
		IPFilter:            cfg.Network.IPFilter,
		PruneInboxOnStartup: cfg.Network.PruneInboxOnStartup,
		ReconnectInterval:   cfg.Bus.ReconnectInterval,
		PruneWindow:         cfg.Bus.PruneWindow,
		Priority:            cfg.Bus.SendPriority,
		ClientIDPrefix:      cfg.Bus.ClientIDPrefix,
		LocalAddresses:      opts.LocalAddresses,
		Clock:               opts.Clock,
		Logger:              opts.Logger,
		Metrics:             opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	n.router.AddAllocatedModuleListener(n)
	if opts.SimulationHandler != nil {
		n.router.RegisterSimulationHandler(opts.SimulationHandler)
	}

	n.beacon, err = client.New(broker, client.Config{
		Destination:       opts.ModuleType.DiscoveryTopic(),
		Binder:            bus.TopicBinder{},
		Codec:             codec,
		KeepTrying:        true,
		ReconnectInterval: cfg.Bus.ReconnectInterval,
		Priority:          cfg.Bus.SendPriority,
		ClientIDPrefix:    cfg.Bus.ClientIDPrefix,
		Clock:             opts.Clock,
		Logger:            opts.Logger,
		Metrics:           opts.Metrics,
	})
	if err != nil {
		return nil, err
	}
	n.heartbeat, err = discovery.NewHeartbeat(n.beacon, n.router.Sender(), status, discovery.HeartbeatOptions{
		Interval:     cfg.Discovery.HeartbeatInterval,
		PayloadCodec: payloadCodec,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	return n, nil
}

// Start joins the network: the staleness sweep, the router and the heartbeat
// start, and the node's health check is registered. The node keeps running
// after ctx is done; Close stops it.
func (n *Node) Start(ctx context.Context) error {
	if !n.started.CompareAndSwap(false, true) {
		return types.NewError(types.ErrCodeAlreadyExists, "node already started")
	}
	background := context.WithoutCancel(ctx)

	if err := n.monitor.Start(background); err != nil {
		return err
	}
	if err := n.router.Start(ctx); err != nil {
		_ = n.router.Cleanup(ctx, false)
		_ = n.monitor.Close()
		return err
	}
	if err := n.beacon.Connect(ctx); err != nil {
		n.logger.Warn("Discovery topic is unavailable, heartbeats will resume once it reconnects", "error", err)
	}
	if err := n.heartbeat.Start(background); err != nil {
		return err
	}
	if n.opts.Health != nil {
		n.opts.Health.SetCheck(n.HealthService(), n.Healthy)
	}

	n.logger.Info("Node started",
		"address", n.status.Address,
		"max_allocations", n.cfg.Allocation.MaxAllocations,
		"server_mode", n.cfg.Network.ServerMode)
	return nil
}

// Close leaves the network. Only the first call does anything.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.logger.Info("Closing node")
		n.heartbeat.Close()

		var errs error
		errs = multierr.Append(errs, n.beacon.Disconnect(ctx, false))
		errs = multierr.Append(errs, n.router.Cleanup(ctx, false))
		errs = multierr.Append(errs, n.monitor.Close())
		n.closeErr = errs
	})
	return n.closeErr
}

// Router returns the node's router
func (n *Node) Router() *network.Router {
	return n.router
}

// Monitor returns the node's module status monitor
func (n *Node) Monitor() *discovery.Monitor {
	return n.monitor
}

// Status returns the descriptor the node announces
func (n *Node) Status() types.PeerDescriptor {
	return n.status
}

// HealthService is the service name the node's health check is registered under
func (n *Node) HealthService() string {
	return "tutornet." + n.status.Address
}

// Healthy reports whether the node's inbox is connected
func (n *Node) Healthy() bool {
	if !n.started.Load() {
		return false
	}
	inbox := n.router.Inbox()
	return inbox != nil && inbox.Online()
}

// Killed is closed when a KILL_MODULE message has been received
func (n *Node) Killed() <-chan struct{} {
	return n.killed
}

// Allocated reports whether the node serves session
func (n *Node) Allocated(session *types.UserSession) bool {
	if session == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.allocations[n.key(session)]
	return ok
}

// AllocationCount returns the number of sessions the node serves
func (n *Node) AllocationCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.allocations)
}

// Release stops serving session and drops every module binding it had.
func (n *Node) Release(ctx context.Context, session *types.UserSession) {
	if session == nil {
		return
	}
	n.forget(session)
	n.router.ReleaseUserSessionModules(ctx, session, n.cfg.Network.ServerMode)
	n.logger.Info("Released session", "session", session.String())
}

// AllocatedModuleRemoved releases the session that lost one of its modules.
func (n *Node) AllocatedModuleRemoved(key types.CompositeSessionKey, status types.PeerDescriptor) {
	n.mu.Lock()
	session, ok := n.allocations[key.SessionOnly()]
	n.mu.Unlock()
	if !ok {
		return
	}
	n.logger.Warn("A module allocated to a session is gone, releasing the session",
		"session", session.String(), "module_type", string(status.ModuleType), "address", status.Address)
	n.Release(context.Background(), session)
}

func (n *Node) key(session *types.UserSession) types.CompositeSessionKey {
	return session.Key(n.status.ModuleType).SessionOnly()
}

func (n *Node) forget(session *types.UserSession) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.allocations, n.key(session))
}

func (n *Node) handle(ctx context.Context, env *message.Envelope) error {
	switch env.Type {
	case types.MessageModuleAllocationRequest:
		return n.handleAllocation(ctx, env)
	case types.MessageKillModule:
		n.logger.Warn("Received a request to terminate the module", "sender", env.SenderAddress)
		n.killOnce.Do(func() { close(n.killed) })
		return nil
	}
	if n.opts.Handler == nil {
		n.logger.Debug("No handler for message", "type", string(env.Type), "sender", env.SenderAddress)
		return nil
	}
	return n.opts.Handler(ctx, env)
}

// handleAllocation answers a module allocation request. A granted request
// joins the modules the requestor already holds before the reply is sent.
func (n *Node) handleAllocation(ctx context.Context, env *message.Envelope) error {
	req, err := n.router.DecodeAllocationRequest(env)
	if err != nil {
		return err
	}

	granted, reason := n.admit(env)
	n.metrics.RecordAllocation(string(n.status.ModuleType), granted)

	var reply message.AllocationReply
	if granted {
		if err := n.router.UseSameModules(ctx, env, n.cfg.Network.ServerMode); err != nil {
			if env.Session != nil {
				n.forget(env.Session)
			}
			return err
		}
		n.logger.Info("Module allocation granted", "requestor", req.Requestor.Address, "session", env.Session.String())
	} else {
		reply = message.AllocationReply{
			Denied:         true,
			Reason:         reason,
			AdditionalInfo: n.allocationSummary(),
		}
		n.logger.Warn("Module allocation denied", "requestor", req.Requestor.Address,
			"session", env.Session.String(), "reason", reason)
	}

	payload, err := n.router.PayloadCodec().Marshal(reply)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode module allocation reply", err)
	}
	return n.router.SendReply(ctx, env, network.Request{
		Type:    types.MessageModuleAllocationReply,
		Payload: payload,
	})
}

// admit decides an allocation request. Requests made before a user is known
// are always granted and never counted.
func (n *Node) admit(env *message.Envelope) (bool, string) {
	session := env.Session
	if session == nil || session.UserID == types.PreUserUnknownID {
		return true, ""
	}
	already := n.router.IsAlreadyAllocated(env)

	n.mu.Lock()
	defer n.mu.Unlock()

	key := n.key(session)
	if _, ok := n.allocations[key]; ok {
		return true, ""
	}
	limit := n.cfg.Allocation.MaxAllocations
	if !already && limit > 0 && len(n.allocations) >= limit {
		return false, fmt.Sprintf("The %s has reached its limit of %d allocated sessions.",
			n.status.ModuleType.DisplayName(), limit)
	}
	s := *session
	n.allocations[key] = &s
	return true, ""
}

func (n *Node) allocationSummary() string {
	n.mu.Lock()
	sessions := make([]string, 0, len(n.allocations))
	for _, s := range n.allocations {
		sessions = append(sessions, s.String())
	}
	n.mu.Unlock()

	sort.Strings(sessions)
	return "Allocated sessions: " + strings.Join(sessions, ", ")
}

// String returns a string representation of the node
func (n *Node) String() string {
	return fmt.Sprintf("Node{module: %s, name: %s, address: %s, allocations: %d}",
		n.status.ModuleType, n.opts.Name, n.status.Address, n.AllocationCount())
}
