package network

import (
	"context"
	"errors"
	"fmt"

	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/collection"
	"github.com/billm/tutornet/pkg/fifo"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/types"
)

const (
	laneHigh   = "high"
	laneNormal = "normal"
)

// onInbox runs on the inbox client's dispatcher. It acknowledges the message
// and queues it for the router's dispatch goroutine.
func (r *Router) onInbox(m client.Message) {
	if r.shuttingDown.Load() {
		return
	}
	ctx := context.Background()

	if m.Err != nil {
		r.metrics.RecordDecodeError()
		var decodeErr *message.DecodeError
		if !errors.As(m.Err, &decodeErr) || decodeErr.Partial == nil {
			r.logger.Error("Dropping message that could not be decoded", "bytes", len(m.Body), "error", m.Err)
			return
		}
		partial := decodeErr.Partial
		r.logger.Error("Unable to decode message", "message", partial.String(), "error", m.Err)
		r.replyNegative(ctx, partial, message.NACKMalformedData, "Unable to decode message string into a message", false)
		r.offerFailure(decodeErr)
		return
	}

	env := m.Envelope
	if m.DecodeTime > r.opts.SlowDecodeThreshold {
		r.logger.Warn("Decoding a message took longer than expected",
			"message", env.String(), "decode_time", m.DecodeTime, "bytes", len(m.Body))
	}

	if env.NeedsACK {
		if err := r.replyDirect(ctx, env, r.sender.ACK(env)); err != nil {
			r.logger.Error("Failed to acknowledge message", "message", env.String(), "error", err)
		}
	}

	lane := fifo.Normal
	if env.Kind == message.KindACK || env.Kind == message.KindNACK {
		lane = fifo.High
	}
	if !r.queue.Push(env, lane) {
		r.logger.Debug("Dispatch queue closed, dropping message", "message", env.String())
	}
}

// onDiscovery feeds heartbeats received on a discovery topic into the monitor.
func (r *Router) onDiscovery(m client.Message) {
	if m.Err != nil || m.Envelope == nil {
		r.logger.Warn("Dropping malformed module status", "error", m.Err)
		return
	}
	if m.Envelope.Type != types.MessageModuleStatus {
		return
	}
	var status message.ModuleStatusPayload
	if err := r.opts.PayloadCodec.Unmarshal(m.Envelope.Payload, &status); err != nil {
		r.logger.Warn("Unable to decode module status", "sender", m.Envelope.SenderAddress, "error", err)
		return
	}
	r.monitor.Received(status.Descriptor(r.clock.Now()), r.clock.Now())
}

func (r *Router) dispatch() {
	defer r.dispatchWG.Done()
	for {
		env, err := r.queue.Pop(context.Background())
		if err != nil {
			break
		}
		r.process(env)
	}
	if dropped := r.queue.Drain(); len(dropped) > 0 {
		r.logger.Info("Discarding queued messages on shutdown", "count", len(dropped))
	}
	r.logger.Debug("Ending the handling of decoded messages")
}

func (r *Router) process(env *message.Envelope) {
	lane := laneNormal
	if env.Kind == message.KindACK || env.Kind == message.KindNACK {
		lane = laneHigh
	}

	if r.offer(env) {
		r.metrics.RecordDispatch(lane, "tracker")
		return
	}
	if env.Kind.IsAcknowledgement() {
		r.metrics.RecordDrop()
		r.logger.Debug("Dropping unclaimed reply", "message", env.String())
		return
	}
	if r.opts.Handler == nil {
		r.metrics.RecordDrop()
		r.logger.Warn("No handler for message", "message", env.String())
		return
	}

	r.metrics.RecordDispatch(lane, "handler")
	ctx := context.Background()
	if err := r.invoke(ctx, env); err != nil {
		r.logger.Error("Caught error while handling decoded message, therefore the message will be dropped",
			"message", env.String(), "error", err)
		r.replyNegative(ctx, env, message.NACKOperationFailed, "Caught exception while trying to process decoded message.", true)
	}
}

func (r *Router) invoke(ctx context.Context, env *message.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = types.NewError(types.ErrCodeMisbehavingCallback, fmt.Sprintf("message handler panicked: %v", rec))
		}
	}()
	return r.opts.Handler(ctx, env)
}

// offer hands env to the tracker registered for its source event id, or to
// every tracker when none is.
func (r *Router) offer(env *message.Envelope) bool {
	r.trackersMu.Lock()
	exact := r.trackers[env.SourceEventID]
	var all []*collection.Tracker
	if exact == nil {
		all = make([]*collection.Tracker, 0, len(r.trackers))
		for _, t := range r.trackers {
			all = append(all, t)
		}
	}
	r.trackersMu.Unlock()

	if exact != nil {
		return exact.Receive(env)
	}
	for _, t := range all {
		if t.Receive(env) {
			return true
		}
	}
	return false
}

func (r *Router) offerFailure(decodeErr *message.DecodeError) {
	r.trackersMu.Lock()
	t := r.trackers[decodeErr.Partial.SourceEventID]
	r.trackersMu.Unlock()
	if t != nil {
		t.ReceiveFailure(decodeErr)
	}
}

func (r *Router) registerTracker(t *collection.Tracker) {
	r.trackersMu.Lock()
	defer r.trackersMu.Unlock()
	r.trackers[t.SourceEventID()] = t
}

func (r *Router) trackerFinished(sourceEventID int64) {
	r.trackersMu.Lock()
	defer r.trackersMu.Unlock()
	delete(r.trackers, sourceEventID)
}

// PendingRequests returns the number of requests still waiting for replies.
func (r *Router) PendingRequests() int {
	r.trackersMu.Lock()
	defer r.trackersMu.Unlock()
	return len(r.trackers)
}

// replyDirect sends an untracked reply to the sender of original.
func (r *Router) replyDirect(ctx context.Context, original, reply *message.Envelope) error {
	c, err := r.createQueueClient(ctx, original.SenderAddress, original.SenderModule, false)
	if err != nil {
		return err
	}
	return c.Send(ctx, reply)
}

func (r *Router) replyNegative(ctx context.Context, original *message.Envelope, code, reason string, processed bool) {
	if original.SenderAddress == "" {
		r.logger.Warn("Cannot reject message without a sender address", "message", original.String())
		return
	}
	build := r.sender.NACK
	if processed {
		build = r.sender.ProcessedNACK
	}
	reply, err := build(original, r.opts.PayloadCodec, code, reason)
	if err == nil {
		err = r.replyDirect(ctx, original, reply)
	}
	if err != nil {
		r.logger.Error("Failed to reject message", "message", original.String(), "code", code, "error", err)
	}
}
