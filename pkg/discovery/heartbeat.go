package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/types"
)

// DefaultHeartbeatInterval is how often a module announces itself
const DefaultHeartbeatInterval = 3 * time.Second

// HeartbeatOptions configures a Heartbeat
type HeartbeatOptions struct {
	Interval     time.Duration
	PayloadCodec message.PayloadCodec
	Clock        clock.Clock
	Logger       *logger.Logger
}

// Heartbeat periodically publishes a module's status on its discovery topic.
// The topic client is owned by the caller.
type Heartbeat struct {
	client *client.Client
	sender message.Sender
	status types.PeerDescriptor
	opts   HeartbeatOptions
	logger *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeat creates a heartbeat publishing status through c
func NewHeartbeat(c *client.Client, sender message.Sender, status types.PeerDescriptor, opts HeartbeatOptions) (*Heartbeat, error) {
	if c == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "heartbeat client cannot be nil")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultHeartbeatInterval
	}
	if opts.PayloadCodec == nil {
		pc, err := message.CBOR()
		if err != nil {
			return nil, err
		}
		opts.PayloadCodec = pc
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}
	if sender.Seq == nil {
		sender.Seq = &message.Sequencer{}
	}
	return &Heartbeat{
		client: c,
		sender: sender,
		status: status,
		opts:   opts,
		logger: opts.Logger.With("component", "heartbeat", "topic", c.Destination()),
	}, nil
}

// Beat publishes one heartbeat
func (h *Heartbeat) Beat(ctx context.Context) error {
	payload, err := h.opts.PayloadCodec.Marshal(message.StatusPayload(h.status))
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to encode module status", err)
	}
	env := h.sender.New(types.MessageModuleStatus, payload)
	env.DestinationAddress = h.client.Destination()
	return h.client.Send(ctx, env)
}

// Start publishes a heartbeat now and then every interval until Close
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return types.NewError(types.ErrCodeAlreadyExists, "heartbeat already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	if err := h.Beat(ctx); err != nil {
		h.logger.Warn("Failed to publish heartbeat", "error", err)
	}

	ticker := h.opts.Clock.Ticker(h.opts.Interval)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.Beat(ctx); err != nil {
					h.logger.Warn("Failed to publish heartbeat", "error", err)
				}
			}
		}
	}()
	return nil
}

// Close stops publishing
func (h *Heartbeat) Close() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}
