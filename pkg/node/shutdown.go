package node

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/types"
)

// ShutdownState is the progress of a ShutdownManager
type ShutdownState string

const (
	ShutdownStateRunning   ShutdownState = "running"
	ShutdownStateInitiated ShutdownState = "initiated"
	ShutdownStateStopping  ShutdownState = "stopping"
	ShutdownStateComplete  ShutdownState = "complete"
)

// String returns the string representation of the state
func (s ShutdownState) String() string {
	return string(s)
}

// hookTimeout bounds a single shutdown hook
const hookTimeout = 5 * time.Second

// ShutdownHook runs before or after the closers
type ShutdownHook func(ctx context.Context) error

// Closer is anything the shutdown manager closes, usually a Node
type Closer interface {
	Close(ctx context.Context) error
}

type hookPhase string

const (
	phasePre  hookPhase = "pre-shutdown"
	phasePost hookPhase = "post-shutdown"
)

// ShutdownManager closes a process's nodes once, on SIGINT, SIGTERM, a
// KILL_MODULE request or an explicit Shutdown call. Pre-shutdown hooks run
// before the closers and post-shutdown hooks after them; closers are closed in
// reverse order of registration.
type ShutdownManager struct {
	timeout time.Duration
	logger  *logger.Logger

	mu        sync.RWMutex
	state     ShutdownState
	reason    string
	closers   []Closer
	hooks     map[hookPhase][]ShutdownHook
	listening bool
	signals   chan os.Signal
	err       error

	// ctx is canceled by Stop and once shutdown completes
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewShutdownManager creates a manager that closes closers within timeout
func NewShutdownManager(timeout time.Duration, log *logger.Logger, closers ...Closer) *ShutdownManager {
	if log == nil {
		log = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ShutdownManager{
		timeout: timeout,
		logger:  log.With("component", "shutdown_manager"),
		state:   ShutdownStateRunning,
		closers: closers,
		hooks:   make(map[hookPhase][]ShutdownHook),
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start listens for SIGINT and SIGTERM
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.listening {
		return
	}
	sm.listening = true
	signal.Notify(sm.signals, syscall.SIGINT, syscall.SIGTERM)
	sm.logger.Info("Shutdown manager started", "timeout", sm.timeout)

	go func() {
		select {
		case sig := <-sm.signals:
			sm.logger.Info("Shutdown signal received", "signal", sig.String())
			sm.trigger(fmt.Sprintf("signal received: %s", sig))
		case <-sm.ctx.Done():
		}
	}()
}

// Stop stops listening for signals and ends every kill watcher. It does not
// close anything.
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	if sm.listening {
		signal.Stop(sm.signals)
		sm.listening = false
	}
	sm.mu.Unlock()
	sm.cancel()
}

// AddCloser registers another closer
func (sm *ShutdownManager) AddCloser(c Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, c)
}

// AddHook adds a hook that runs before the closers
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.addHook(phasePre, hook)
}

// AddPostHook adds a hook that runs after the closers
func (sm *ShutdownManager) AddPostHook(hook ShutdownHook) {
	sm.addHook(phasePost, hook)
}

func (sm *ShutdownManager) addHook(phase hookPhase, hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.hooks[phase] = append(sm.hooks[phase], hook)
}

// WatchKill shuts everything down once n receives a KILL_MODULE message
func (sm *ShutdownManager) WatchKill(n *Node) {
	go func() {
		select {
		case <-n.Killed():
			sm.trigger(fmt.Sprintf("kill request received by %s", n.Status().Address))
		case <-sm.ctx.Done():
		}
	}()
}

// trigger runs the shutdown on behalf of a signal or kill request
func (sm *ShutdownManager) trigger(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()
	err := sm.ShutdownAndWait(ctx, reason)
	if err != nil && !types.IsErrCode(err, types.ErrCodeFailedPrecondition) {
		sm.logger.Error("Shutdown failed", "reason", reason, "error", err)
	}
}

// Shutdown runs the shutdown sequence. Only the first call does; later calls
// fail with FAILED_PRECONDITION. Hook failures are logged, close failures are
// returned as PARTIAL_FAILURE.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.reason = reason
	closers := append([]Closer(nil), sm.closers...)
	sm.mu.Unlock()

	began := time.Now()
	sm.logger.Info("Shutdown initiated", "reason", reason, "closers", len(closers))

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	sm.runHooks(ctx, phasePre)
	sm.setState(ShutdownStateStopping)

	var errs error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(ctx); err != nil {
			sm.logger.Error("Close failed", "closer", fmt.Sprint(closers[i]), "error", err)
			errs = multierr.Append(errs, err)
		}
	}

	sm.runHooks(ctx, phasePost)

	sm.mu.Lock()
	sm.state = ShutdownStateComplete
	sm.err = errs
	sm.mu.Unlock()
	close(sm.done)
	sm.cancel()

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(began))
	if errs != nil {
		return types.WrapError(types.ErrCodePartialFailure, "one or more closers failed", errs)
	}
	return nil
}

// ShutdownAndWait runs Shutdown but gives up waiting once ctx is done
func (sm *ShutdownManager) ShutdownAndWait(ctx context.Context, reason string) error {
	result := make(chan error, 1)
	go func() { result <- sm.Shutdown(ctx, reason) }()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "shutdown wait canceled", ctx.Err())
	}
}

// runHooks runs every hook of phase with its own timeout. A failing hook does
// not stop the others; running out of ctx does.
func (sm *ShutdownManager) runHooks(ctx context.Context, phase hookPhase) {
	sm.mu.RLock()
	hooks := append([]ShutdownHook(nil), sm.hooks[phase]...)
	sm.mu.RUnlock()

	for i, hook := range hooks {
		hctx, cancel := context.WithTimeout(ctx, hookTimeout)
		err := hook(hctx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", string(phase), "hook", i, "error", err)
		}
		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hooks abandoned", "phase", string(phase), "remaining", len(hooks)-i-1)
			return
		}
	}
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	sm.state = state
	sm.mu.Unlock()
	sm.logger.Debug("Shutdown state changed", "state", string(state))
}

// State returns the current state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown reports whether shutdown has begun
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// IsComplete reports whether shutdown has finished
func (sm *ShutdownManager) IsComplete() bool {
	return sm.State() == ShutdownStateComplete
}

// ShutdownReason returns the reason given to the shutdown that ran
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// Done is closed once shutdown is complete
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.done
}

// WaitCompletion waits for shutdown to complete and returns the combined
// close errors
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.done:
		sm.mu.RLock()
		defer sm.mu.RUnlock()
		return sm.err
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

// Context is canceled when shutdown completes or the manager is stopped
func (sm *ShutdownManager) Context() context.Context {
	return sm.ctx
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, closers: %d, reason: %q}",
		sm.state, sm.timeout, len(sm.closers), sm.reason)
}
