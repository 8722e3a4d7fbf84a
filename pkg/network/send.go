package network

import (
	"context"
	"fmt"

	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/collection"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/types"
)

// Request is one outbound message. When Callback is set the recipients are
// asked to acknowledge it and the callback receives the replies and the
// outcome.
type Request struct {
	Type            types.MessageType
	Payload         []byte
	Session         *types.UserSession
	DomainSessionID int
	Callback        collection.Callback
}

func (r *Router) envelope(req Request) *message.Envelope {
	env := r.sender.New(req.Type, req.Payload)
	env.NeedsACK = req.Callback != nil
	if req.Session != nil {
		s := *req.Session
		env.Session = &s
	}
	env.DomainSessionID = req.DomainSessionID
	return env
}

// unresolvable reports a send that was aborted before anything was published.
func (r *Router) unresolvable(req Request, reason string) error {
	r.logger.Error("Unable to route message", "message_type", string(req.Type), "reason", reason)
	r.failCallback(req.Callback, reason)
	return types.NewError(types.ErrCodeRoutingUnresolvable, reason)
}

func (r *Router) failCallback(cb collection.Callback, reason string) {
	if cb == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Caught exception from mis-behaving message callback",
				"code", types.ErrCodeMisbehavingCallback, "callback", fmt.Sprintf("%T", cb), "panic", rec)
		}
	}()
	cb.Failure(reason)
}

func (r *Router) succeedCallback(cb collection.Callback) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Caught exception from mis-behaving message callback",
				"code", types.ErrCodeMisbehavingCallback, "callback", fmt.Sprintf("%T", cb), "panic", rec)
		}
	}()
	cb.Success()
}

// deliver publishes env to every client and tracks the replies when the
// request has a callback. Nothing is published unless every client is online.
func (r *Router) deliver(ctx context.Context, clients []*client.Client, env *message.Envelope, req Request) error {
	if r.shuttingDown.Load() {
		return r.unresolvable(req, "The router is shutting down.")
	}
	for _, c := range clients {
		if !c.Online() {
			r.logger.Error("Message client is not connected, the message was not sent",
				"destination", c.Destination(), "state", c.State().String(), "message", env.String())
			r.failCallback(req.Callback, "Unable to send message to all recipients.")
			return types.NewError(types.ErrCodeConnection, "message client for "+c.Destination()+" is not connected")
		}
	}
	t, err := collection.New(env, clients, req.Callback, collection.Options{
		AckTimeout: r.opts.AckTimeout,
		Sequencer:  r.seq,
		Finished:   r.trackerFinished,
		Clock:      r.clock,
		Logger:     r.opts.Logger,
		Metrics:    r.metrics,
	})
	if err != nil {
		return r.unresolvable(req, err.Error())
	}
	if req.Callback != nil {
		r.registerTracker(t)
	}
	if err := t.Send(ctx); err != nil {
		t.Abort()
		r.logger.Error("Failed to send message", "message", env.String(), "error", err)
		r.failCallback(req.Callback, "Unable to send message to all recipients.")
		return err
	}
	return nil
}

// SendByMessageType sends to the first known client of every module type the
// architecture routes req.Type to.
func (r *Router) SendByMessageType(ctx context.Context, req Request) error {
	recipients := r.arch.Recipients(req.Type)
	if len(recipients) == 0 {
		return r.unresolvable(req, fmt.Sprintf("There are no message clients to send message of type %s to.", req.Type))
	}
	var clients []*client.Client
	for _, mt := range recipients {
		c := r.firstClient(mt)
		if c == nil {
			return r.unresolvable(req, fmt.Sprintf("Unable to find a message client for a %s to send message of type %s.", mt.DisplayName(), req.Type))
		}
		clients = appendUnique(clients, c)
	}
	return r.deliver(ctx, clients, r.envelope(req), req)
}

// SendToModuleType sends to one module of type mt. With a session the
// session's binding is used, otherwise the first known module of that type.
func (r *Router) SendToModuleType(ctx context.Context, mt types.ModuleType, req Request) error {
	var c *client.Client
	if req.Session != nil {
		c = r.sessionClient(ctx, req.Session, mt)
	} else {
		c = r.firstClient(mt)
	}
	if c == nil {
		return r.unresolvable(req, fmt.Sprintf("Failed to send the %s message to a message client for module type %s.", req.Type, mt.DisplayName()))
	}
	return r.deliver(ctx, []*client.Client{c}, r.envelope(req), req)
}

// SendDomainSessionMessage sends to the session's module of every listed type.
func (r *Router) SendDomainSessionMessage(ctx context.Context, moduleTypes []types.ModuleType, req Request) error {
	if len(moduleTypes) == 0 {
		return r.unresolvable(req, fmt.Sprintf("No module types given for message of type %s.", req.Type))
	}
	var clients []*client.Client
	for _, mt := range moduleTypes {
		c := r.sessionClient(ctx, req.Session, mt)
		if c == nil {
			return r.unresolvable(req, fmt.Sprintf("Unable to find a %s for %s to send message of type %s.", mt.DisplayName(), req.Session, req.Type))
		}
		clients = appendUnique(clients, c)
	}
	return r.deliver(ctx, clients, r.envelope(req), req)
}

// SendSessionMessage sends to every module type the architecture routes
// req.Type to, using the modules bound to the session.
func (r *Router) SendSessionMessage(ctx context.Context, req Request) error {
	return r.SendSessionMessageIgnoring(ctx, req)
}

// SendSessionMessageIgnoring is SendSessionMessage without the ignored module
// types. When ignoring leaves nobody to send to, the callback succeeds at once.
func (r *Router) SendSessionMessageIgnoring(ctx context.Context, req Request, ignore ...types.ModuleType) error {
	if !r.arch.Known(req.Type) {
		return r.unresolvable(req, fmt.Sprintf("There are no static routes for message type %s.", req.Type))
	}
	var clients []*client.Client
	for _, mt := range r.arch.Recipients(req.Type) {
		if containsModule(ignore, mt) {
			continue
		}
		c := r.sessionClient(ctx, req.Session, mt)
		if c == nil {
			return r.unresolvable(req, fmt.Sprintf("Unable to find a %s for %s to send message of type %s.", mt.DisplayName(), req.Session, req.Type))
		}
		clients = appendUnique(clients, c)
	}
	if len(clients) == 0 {
		if len(ignore) == 0 {
			return r.unresolvable(req, fmt.Sprintf("There are no recipients for message type %s.", req.Type))
		}
		r.logger.Debug("Every recipient was ignored", "message_type", string(req.Type))
		if req.Callback != nil {
			go r.succeedCallback(req.Callback)
		}
		return nil
	}
	return r.deliver(ctx, clients, r.envelope(req), req)
}

// SendMessageToSubject sends to a destination that already has a client.
func (r *Router) SendMessageToSubject(ctx context.Context, address string, req Request) error {
	c := r.Client(address)
	if c == nil {
		return r.unresolvable(req, fmt.Sprintf("There is no message client for %s.", address))
	}
	return r.deliver(ctx, []*client.Client{c}, r.envelope(req), req)
}

// SendReply answers original. The reply keeps the session and domain session
// of original. A tracked reply gets its own source event id so the replies to
// it correlate with this router's request registry.
func (r *Router) SendReply(ctx context.Context, original *message.Envelope, req Request) error {
	if original == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "message to reply to cannot be nil")
	}
	c, err := r.createQueueClient(ctx, original.SenderAddress, original.SenderModule, false)
	if err != nil {
		return r.unresolvable(req, fmt.Sprintf("Unable to create a message client to reply to %s: %v", original.SenderAddress, err))
	}
	env := r.sender.Reply(original, req.Type, req.Payload)
	env.DomainSessionID = original.DomainSessionID
	if req.Callback != nil {
		env.NeedsACK = true
		env.SourceEventID = r.seq.NextSourceEvent()
	}
	return r.deliver(ctx, []*client.Client{c}, env, req)
}

func (r *Router) firstClient(mt types.ModuleType) *client.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if addrs := r.moduleAddresses[mt]; len(addrs) > 0 {
		return r.clients[addrs[0]]
	}
	return nil
}

// sessionClient returns the client of the module serving session for mt. A
// module sending to its own type talks to its own inbox.
func (r *Router) sessionClient(ctx context.Context, session *types.UserSession, mt types.ModuleType) *client.Client {
	if c := r.Client(r.connectionName(session, mt)); c != nil {
		return c
	}
	if mt != r.opts.ModuleType {
		return nil
	}
	c, err := r.createQueueClient(ctx, r.opts.Address, mt, false)
	if err != nil {
		r.logger.Error("Failed to create message client to own inbox", "error", err)
		return nil
	}
	return c
}

func appendUnique(clients []*client.Client, c *client.Client) []*client.Client {
	for _, existing := range clients {
		if existing == c {
			return clients
		}
	}
	return append(clients, c)
}

func containsModule(list []types.ModuleType, mt types.ModuleType) bool {
	for _, m := range list {
		if m == mt {
			return true
		}
	}
	return false
}
