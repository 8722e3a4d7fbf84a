// Package collection tracks one logical request sent to several destinations
// until every destination has replied, one of them refuses, or time runs out.
package collection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/metrics"
	"github.com/billm/tutornet/pkg/types"
)

// DefaultAckTimeout is used when Options.AckTimeout is not set
const DefaultAckTimeout = time.Second

// Callback receives the outcome of a tracked request.
type Callback interface {
	// Received is called for every substantive reply.
	Received(env *message.Envelope)
	// Success is called once every destination has replied.
	Success()
	// Failure is called when the request timed out, a connection was lost or
	// a reply could not be decoded.
	Failure(reason string)
	// FailureMessage is called with the NACK that failed the request.
	FailureMessage(env *message.Envelope)
}

// Options configures a tracker
type Options struct {
	AckTimeout time.Duration
	Sequencer  *message.Sequencer
	// Finished is called exactly once with the source event id when the
	// tracker becomes inactive.
	Finished func(sourceEventID int64)

	Clock   clock.Clock
	Logger  *logger.Logger
	Metrics *metrics.Collectors
}

type destinationStatus struct {
	destination string
	repliedTo   bool
	ackReceived bool
}

// Tracker fans one envelope out to a fixed set of clients and converges the
// replies into a single outcome.
type Tracker struct {
	original *message.Envelope
	clients  []*client.Client
	callback Callback
	opts     Options
	logger   *logger.Logger
	started  time.Time

	active     atomic.Bool
	finishOnce sync.Once

	mu     sync.Mutex
	sent   bool
	status map[int64]*destinationStatus
	order  []int64
	timer  *clock.Timer
}

// New creates a tracker for env. The callback may be nil, in which case no
// timeout is armed and outcomes are only logged.
func New(env *message.Envelope, clients []*client.Client, callback Callback, opts Options) (*Tracker, error) {
	if env == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "message cannot be nil")
	}
	if len(clients) == 0 {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "the set of message clients cannot be empty")
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.Sequencer == nil {
		opts.Sequencer = &message.Sequencer{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}

	t := &Tracker{
		original: env,
		clients:  clients,
		callback: callback,
		opts:     opts,
		status:   make(map[int64]*destinationStatus, len(clients)),
		logger: opts.Logger.With("component", "collection",
			"source_event_id", env.SourceEventID, "message_type", string(env.Type)),
	}
	t.active.Store(true)
	return t, nil
}

// SourceEventID returns the id shared by every copy of the request
func (t *Tracker) SourceEventID() int64 {
	return t.original.SourceEventID
}

// Message returns the original envelope
func (t *Tracker) Message() *message.Envelope {
	return t.original
}

// Finished reports whether the tracker reached an outcome
func (t *Tracker) Finished() bool {
	return !t.active.Load()
}

// Destinations returns the tracked destinations in send order
func (t *Tracker) Destinations() []string {
	out := make([]string, len(t.clients))
	for i, c := range t.clients {
		out[i] = c.Destination()
	}
	return out
}

// Send publishes one clone of the envelope per client and arms the timeout
// after every clone is out, so a fast reply can never cancel a timer that
// does not exist yet. Send failures are returned but do not finish the
// tracker; the timeout reports the destinations that never answered. A
// tracker sends once; later calls fail with FAILED_PRECONDITION.
func (t *Tracker) Send(ctx context.Context) error {
	if !t.active.Load() {
		return types.NewError(types.ErrCodeFailedPrecondition, "tracker already finished")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sent {
		return types.NewError(types.ErrCodeFailedPrecondition, "tracker already sent its message")
	}
	t.sent = true

	t.started = t.opts.Clock.Now()
	var err error
	for _, c := range t.clients {
		clone := t.original.Clone(c.Destination(), t.opts.Sequencer.NextSequence())
		t.status[clone.SequenceNumber] = &destinationStatus{destination: c.Destination()}
		t.order = append(t.order, clone.SequenceNumber)
		if t.callback != nil {
			c.AddConnectionListener(t)
		}
		if sendErr := c.Send(ctx, clone); sendErr != nil {
			t.logger.Error("Failed to send", "destination", c.Destination(), "error", sendErr)
			err = multierr.Append(err, sendErr)
		}
	}

	if t.callback != nil && t.active.Load() {
		t.scheduleLocked()
	}
	return err
}

// scheduleLocked cancels any pending timer and starts a new one
func (t *Tracker) scheduleLocked() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.opts.Clock.AfterFunc(t.opts.AckTimeout, t.onTimeout)
}

func (t *Tracker) cancelTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Receive offers a reply to the tracker. It reports whether the reply
// belonged to this tracker.
func (t *Tracker) Receive(env *message.Envelope) bool {
	if !t.active.Load() {
		return false
	}
	seq, ok := env.ReplyToSequence()
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active.Load() {
		return false
	}
	st, ok := t.status[seq]
	if !ok {
		return false
	}

	switch {
	case env.Kind.IsNegative():
		t.finishLocked(metrics.OutcomeNACK)
		if t.callback == nil {
			t.logger.Error("Request was rejected", "from", env.SenderAddress, "reply_to", seq)
			return true
		}
		go t.safe("failure message", func() { t.callback.FailureMessage(env) })
		return true

	case env.Kind == message.KindACK:
		st.ackReceived = true
		for _, s := range t.status {
			if !s.ackReceived {
				return true
			}
		}
		t.cancelTimerLocked()
		t.logger.Debug("Every destination acknowledged delivery")
		return true

	default:
		st.repliedTo = true
		if env.Kind != message.KindProcessedACK && t.callback != nil {
			t.safe("received", func() { t.callback.Received(env) })
		}
		for _, s := range t.status {
			if !s.repliedTo {
				return true
			}
		}
		t.finishLocked(metrics.OutcomeSuccess)
		if t.callback != nil {
			go t.succeed()
		}
		return true
	}
}

// ReceiveFailure offers an undecodable reply to the tracker. The decode
// error's partial envelope is used to correlate it.
func (t *Tracker) ReceiveFailure(decodeErr *message.DecodeError) bool {
	if !t.active.Load() || decodeErr == nil || decodeErr.Partial == nil {
		return false
	}
	seq, ok := decodeErr.Partial.ReplyToSequence()
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active.Load() {
		return false
	}
	if _, ok := t.status[seq]; !ok {
		return false
	}

	reason := fmt.Sprintf("There was a failure for the request, the reply to sequence number ID %d could not be decoded: %v", seq, decodeErr.Err)
	t.finishLocked(metrics.OutcomeDecode)
	if t.callback == nil {
		t.logger.Error(reason)
		return true
	}
	go t.safe("failure", func() { t.callback.Failure(reason) })
	return true
}

func (t *Tracker) onTimeout() {
	t.mu.Lock()
	if !t.active.Load() {
		t.mu.Unlock()
		return
	}

	var silent []string
	for _, seq := range t.order {
		if st := t.status[seq]; !st.repliedTo {
			silent = append(silent, st.destination)
		}
	}

	if len(silent) > 0 {
		t.finishLocked(metrics.OutcomeTimeout)
		t.mu.Unlock()
		reason := fmt.Sprintf("%s did not respond to message %s", strings.Join(silent, ", "), t.original)
		t.logger.Error("Request timed out", "code", types.ErrCodeRequestTimeout, "silent", silent)
		if t.callback != nil {
			t.safe("failure", func() { t.callback.Failure(reason) })
		}
		return
	}

	t.finishLocked(metrics.OutcomeSuccess)
	t.mu.Unlock()
	t.logger.Warn("Timeout fired even though every destination replied")
	if t.callback != nil {
		t.safe("success", t.callback.Success)
	}
}

// succeed runs the success callback. A panic in it is reported as a failure.
func (t *Tracker) succeed() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Caught panic from mis-behaving message callback",
				"code", types.ErrCodeMisbehavingCallback, "panic", r)
			t.safe("failure", func() {
				t.callback.Failure(fmt.Sprintf("Caught exception from mis-behaving message callback %T.\nERROR = %v", t.callback, r))
			})
		}
	}()
	t.callback.Success()
}

func (t *Tracker) safe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Caught panic from mis-behaving message callback",
				"code", types.ErrCodeMisbehavingCallback, "callback", name, "panic", r)
		}
	}()
	fn()
}

// finishLocked marks the tracker inactive, stops the timer, detaches from the
// clients and runs the finished callback once. It requires t.mu.
func (t *Tracker) finishLocked(outcome string) {
	t.active.Store(false)
	t.cancelTimerLocked()
	t.finishOnce.Do(func() {
		for _, c := range t.clients {
			c.RemoveConnectionListener(t)
		}
		t.opts.Metrics.RecordTracker(outcome, t.opts.Clock.Since(t.started))
		if t.opts.Finished != nil {
			t.safe("finished", func() { t.opts.Finished(t.original.SourceEventID) })
		}
	})
}

// Abort finishes the tracker without notifying the callback. The router uses
// it when the request could not be published to every destination and the
// caller has already been told.
func (t *Tracker) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active.Load() {
		t.finishLocked(metrics.OutcomeConnection)
	}
}

// ConnectionOpened implements client.ConnectionListener
func (t *Tracker) ConnectionOpened(*client.Client) {}

// ConnectionLost fails the request as soon as any tracked peer goes away
func (t *Tracker) ConnectionLost(c *client.Client) {
	t.connectionGone(c)
}

// ConnectionClosed fails the request as soon as any tracked peer goes away
func (t *Tracker) ConnectionClosed(c *client.Client) {
	t.connectionGone(c)
}

func (t *Tracker) connectionGone(c *client.Client) {
	if !t.tracks(c) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active.Load() {
		return
	}
	t.finishLocked(metrics.OutcomeConnection)
	if t.callback != nil {
		reason := "The connection has timed out for " + c.Destination()
		go t.safe("failure", func() { t.callback.Failure(reason) })
	}
}

func (t *Tracker) tracks(c *client.Client) bool {
	for _, tc := range t.clients {
		if tc == c {
			return true
		}
	}
	return false
}

// String returns a string representation of the tracker
func (t *Tracker) String() string {
	return fmt.Sprintf("Tracker{source_event_id: %d, active: %v, destinations: %d, message: %s}",
		t.original.SourceEventID, t.active.Load(), len(t.clients), t.original)
}
