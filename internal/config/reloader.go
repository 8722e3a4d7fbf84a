package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// reloadTimeout bounds a signal-triggered reload including its callbacks
const reloadTimeout = 30 * time.Second

// ReloadState represents the current state of the config reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// ReloadCallback is called with the freshly loaded configuration. Returning
// an error keeps the previous configuration current.
type ReloadCallback func(ctx context.Context, newConfig *Config) error

// Reloader re-reads the configuration file on SIGHUP and hands the result to
// registered callbacks. Callers apply what can change at runtime, such as the
// log level; node and bus changes need a restart.
type Reloader struct {
	mu            sync.RWMutex
	configPath    string
	currentConfig *Config
	state         ReloadState
	signalChan    chan os.Signal
	cancel        context.CancelFunc
	started       bool
	callbacks     []ReloadCallback
	log           *slog.Logger
}

// NewReloader creates a new config reloader. The logger may be nil.
func NewReloader(configPath string, initialConfig *Config, log *slog.Logger) *Reloader {
	if log == nil {
		log = slog.Default()
	}
	return &Reloader{
		configPath:    configPath,
		currentConfig: initialConfig,
		state:         ReloadStateIdle,
		signalChan:    make(chan os.Signal, 1),
		log:           log.With("component", "config_reloader"),
	}
}

// Start begins listening for SIGHUP
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state = ReloadStateIdle
	r.started = true

	signal.Notify(r.signalChan, syscall.SIGHUP)
	r.log.Info("Config reloader started", "config_path", r.configPath)

	go r.handleSignals(ctx)
}

// Stop stops signal handling
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	signal.Stop(r.signalChan)
	r.cancel()
	r.started = false
	r.state = ReloadStateStopped

	r.log.Info("Config reloader stopped")
}

// Reload reloads the configuration from the file. A reload already in
// progress makes this a no-op.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.log.Debug("Reload already in progress, skipping")
		return nil
	}
	r.state = ReloadStateReloading
	r.mu.Unlock()

	r.log.Info("Configuration reload initiated", "config_path", r.configPath)

	newConfig, err := LoadPath(r.configPath)
	if err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := r.executeCallbacks(ctx, newConfig); err != nil {
		r.setState(ReloadStateIdle)
		return fmt.Errorf("reload callbacks failed: %w", err)
	}

	r.mu.Lock()
	r.currentConfig = newConfig
	r.state = ReloadStateIdle
	r.mu.Unlock()

	r.log.Info("Configuration reloaded")
	return nil
}

// AddCallback adds a callback that will be called when config is reloaded
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// GetConfig returns the current configuration
func (r *Reloader) GetConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentConfig
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Reloader) handleSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signalChan:
			r.log.Info("Reload signal received", "signal", sig.String())
			go func() {
				rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
				defer cancel()
				if err := r.Reload(rctx); err != nil {
					r.log.Error("Configuration reload failed", "error", err)
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) executeCallbacks(ctx context.Context, newConfig *Config) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, newConfig); err != nil {
			r.log.Error("Reload callback failed", "callback", i, "error", err)
			return err
		}
	}
	return nil
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return fmt.Sprintf("Reloader{state: %s, config_path: %s, callbacks: %d}",
		r.state, r.configPath, len(r.callbacks))
}
