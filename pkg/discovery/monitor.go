// Package discovery keeps track of which module instances are alive on the
// bus. Modules announce themselves with periodic heartbeats on their type's
// discovery topic; the Monitor remembers the last heartbeat of every instance
// and forgets instances that fall silent.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/types"
)

// Default timings
const (
	DefaultStalenessTimeout = 10 * time.Second
	DefaultCheckInterval    = time.Second
)

// RemovalListener is told when a module instance is forgotten.
type RemovalListener interface {
	ModuleStatusRemoved(status types.PeerDescriptor)
}

// MonitorOptions configures a Monitor
type MonitorOptions struct {
	StalenessTimeout time.Duration
	CheckInterval    time.Duration
	Clock            clock.Clock
	Logger           *logger.Logger
}

// Monitor is the registry of live module instances.
type Monitor struct {
	opts   MonitorOptions
	logger *logger.Logger

	mu        sync.RWMutex
	peers     map[types.ModuleType][]types.PeerDescriptor
	listeners []RemovalListener

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewMonitor creates a monitor. Start must be called for stale instances to
// be swept.
func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.StalenessTimeout <= 0 {
		opts.StalenessTimeout = DefaultStalenessTimeout
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = DefaultCheckInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	return &Monitor{
		opts:   opts,
		logger: opts.Logger.With("component", "discovery_monitor"),
		peers:  make(map[types.ModuleType][]types.PeerDescriptor),
	}
}

// Received records a heartbeat seen at the given time. A heartbeat from a
// known address refreshes that instance and keeps its position; a new address
// is appended so LastStatus stays in first-seen order.
func (m *Monitor) Received(status types.PeerDescriptor, at time.Time) {
	if !status.ModuleType.IsValid() || status.Address == "" {
		m.logger.Warn("Ignoring module status without a type or address", "status", status.String())
		return
	}
	if at.IsZero() {
		at = m.opts.Clock.Now()
	}
	status.LastSeen = at

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.peers[status.ModuleType]
	for i := range list {
		if list[i].Matches(status) {
			list[i] = status
			return
		}
	}
	m.peers[status.ModuleType] = append(list, status)
	m.logger.Info("Discovered module", "module_type", status.ModuleType.String(), "address", status.Address)
}

// LastStatus returns a copy of the known instances of a module type, oldest first
func (m *Monitor) LastStatus(moduleType types.ModuleType) []types.PeerDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.peers[moduleType]
	out := make([]types.PeerDescriptor, len(list))
	copy(out, list)
	return out
}

// Status returns the last heartbeat of the instance at address
func (m *Monitor) Status(moduleType types.ModuleType, address string) (types.PeerDescriptor, bool) {
	if address == "" {
		return types.PeerDescriptor{}, false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.peers[moduleType] {
		if p.Address == address {
			return p, true
		}
	}
	return types.PeerDescriptor{}, false
}

// AddListener registers l for removal notifications
func (m *Monitor) AddListener(l RemovalListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.listeners {
		if existing == l {
			return
		}
	}
	m.listeners = append(m.listeners, l)
}

// Remove forgets the instance at address and notifies the listeners. It
// reports whether anything was removed.
func (m *Monitor) Remove(address string) bool {
	m.mu.Lock()
	var removed []types.PeerDescriptor
	for mt, list := range m.peers {
		kept := list[:0]
		for _, p := range list {
			if p.Address == address {
				removed = append(removed, p)
				continue
			}
			kept = append(kept, p)
		}
		m.peers[mt] = kept
	}
	listeners := append([]RemovalListener(nil), m.listeners...)
	m.mu.Unlock()

	m.notify(listeners, removed)
	return len(removed) > 0
}

// Start launches the staleness sweep. It stops when ctx is done or Close is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.NewError(types.ErrCodeFailedPrecondition, "monitor is closed")
	}
	if m.cancel != nil {
		return types.NewError(types.ErrCodeAlreadyExists, "monitor already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	ticker := m.opts.Clock.Ticker(m.opts.CheckInterval)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()

	m.logger.Debug("Module status monitor started",
		"staleness_timeout", m.opts.StalenessTimeout.String(),
		"check_interval", m.opts.CheckInterval.String())
	return nil
}

// Sweep forgets every instance whose last heartbeat is older than the
// staleness timeout.
func (m *Monitor) Sweep() {
	now := m.opts.Clock.Now()

	m.mu.Lock()
	var removed []types.PeerDescriptor
	for mt, list := range m.peers {
		kept := list[:0]
		for _, p := range list {
			if now.Sub(p.LastSeen) > m.opts.StalenessTimeout {
				removed = append(removed, p)
				continue
			}
			kept = append(kept, p)
		}
		m.peers[mt] = kept
	}
	listeners := append([]RemovalListener(nil), m.listeners...)
	m.mu.Unlock()

	for _, p := range removed {
		m.logger.Warn("Module status expired", "module_type", p.ModuleType.String(),
			"address", p.Address, "last_seen", p.LastSeen)
	}
	m.notify(listeners, removed)
}

func (m *Monitor) notify(listeners []RemovalListener, removed []types.PeerDescriptor) {
	for _, p := range removed {
		for _, l := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("Caught panic from mis-behaving module status listener",
							"code", types.ErrCodeMisbehavingCallback, "panic", r)
					}
				}()
				l.ModuleStatusRemoved(p)
			}()
		}
	}
}

// Close stops the sweep
func (m *Monitor) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	return nil
}

// String returns a string representation of the monitor
func (m *Monitor) String() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	parts := make([]string, 0, len(m.peers))
	for _, mt := range types.AllModuleTypes() {
		if n := len(m.peers[mt]); n > 0 {
			parts = append(parts, fmt.Sprintf("%s: %d", mt, n))
		}
	}
	return "Monitor{" + strings.Join(parts, ", ") + "}"
}
