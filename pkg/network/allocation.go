package network

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/collection"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/types"
)

func preUserSession() *types.UserSession {
	return &types.UserSession{UserID: types.PreUserUnknownID}
}

// SelectUMSModule allocates a UMS for requests made before a user is known.
func (r *Router) SelectUMSModule(ctx context.Context, requesting types.PeerDescriptor, cb collection.Callback) error {
	return r.SelectModule(ctx, preUserSession(), types.ModuleUMS, requesting, NewConnectionFilter(), false, cb)
}

// SelectDomainModule allocates a Domain module. Only tutors and gateways
// select domain modules outside of a user session.
func (r *Router) SelectDomainModule(ctx context.Context, requesting types.PeerDescriptor, cb collection.Callback) error {
	if r.opts.ModuleType != types.ModuleTutor && r.opts.ModuleType != types.ModuleGateway {
		err := types.NewError(types.ErrCodeFailedPrecondition,
			"unable to select a Domain module for module of type "+r.opts.ModuleType.DisplayName())
		r.logger.Error("An error occurred while selecting a Domain module", "error", err)
		return err
	}
	return r.SelectModule(ctx, preUserSession(), types.ModuleDomain, requesting, NewConnectionFilter(), false, cb)
}

// SelectRequiredModule allocates exactly the given module instance for the session.
func (r *Router) SelectRequiredModule(ctx context.Context, session *types.UserSession, mt types.ModuleType,
	requesting types.PeerDescriptor, required *types.PeerDescriptor, destroy bool, cb collection.Callback) error {
	filter := NewConnectionFilter()
	if required != nil {
		filter.SetRequiredModule(*required)
	}
	return r.SelectModule(ctx, session, mt, requesting, filter, destroy, cb)
}

// SelectModule allocates a module of type mt for session. A candidate is
// connected and bound to the session, then asked to serve it with a module
// allocation request. A denial adds the candidate to the ignore list of a
// derived filter and selection starts over; cb is told the final outcome.
func (r *Router) SelectModule(ctx context.Context, session *types.UserSession, mt types.ModuleType,
	requesting types.PeerDescriptor, filter *ConnectionFilter, destroy bool, cb collection.Callback) error {
	if cb == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "selection callback cannot be nil")
	}
	if session == nil {
		session = preUserSession()
	}
	fail := func(format string, args ...any) error {
		return r.unresolvable(Request{Type: types.MessageModuleAllocationRequest, Callback: cb}, fmt.Sprintf(format, args...))
	}

	target := r.connectionName(session, mt)
	if !r.HaveSessionConnection(session, mt) {
		r.logger.Info("No module connection for session, selecting one", "session", session.String(), "module_type", string(mt))
		extended := filter.Derive()
		if mt == types.ModuleDomain {
			r.colocateWithUMS(session, extended)
		}
		c := r.createModuleClient(ctx, session, extended, mt, destroy)
		if c == nil {
			return fail("Failed to create a message client for a module of type %s from known modules of that type", mt.DisplayName())
		}
		target = c.Destination()
	} else if filter.IsIgnored(target) {
		r.logger.Info("Session is bound to an ignored module, selecting another one",
			"session", session.String(), "module_type", string(mt), "address", target)
		c := r.createModuleClient(ctx, session, filter, mt, destroy)
		if c == nil {
			return fail("There are no available %ss known to the %s.", mt.DisplayName(), r.opts.ModuleType.DisplayName())
		}
		target = c.Destination()
	}

	if mt == types.ModuleGateway {
		gw, ok := r.monitor.Status(mt, target)
		if !ok {
			return fail("Unable to retrieve a %s status, therefore unable to establish connection to retrieve simulation messages from it", mt.DisplayName())
		}
		required, hasRequired := filter.RequiredModule()
		if r.opts.IPFilter && !filter.IsAddressRequired(gw.TopicAddress) && !(hasRequired && required.Matches(gw)) {
			if addrs := filter.RequiredAddresses(); len(addrs) > 0 {
				return fail("This %s is configured for IP address filtering, meaning the %s must reside on the same workstation as the tutor client with address of %v.",
					r.opts.ModuleType.DisplayName(), mt.DisplayName(), addrs)
			}
			return fail("This %s is configured for IP address filtering, meaning the %s must reside on the same workstation as the tutor client. However the tutor client address was not provided.",
				r.opts.ModuleType.DisplayName(), mt.DisplayName())
		}
		if gw.TopicAddress != "" && !r.HaveConnection(gw.TopicAddress) {
			h := r.simulation()
			if h == nil {
				return fail("A simulation message handler was not provided which is a requirement for %s connections", mt.DisplayName())
			}
			if _, err := r.createTopicClient(ctx, gw.TopicAddress, h, destroy); err != nil {
				return fail("Unable to subscribe to simulation messages from %s: %v", gw.TopicAddress, err)
			}
		}
	}

	allocated := make(map[types.ModuleType]message.ModuleStatusPayload)
	for _, connected := range r.ConnectedModuleTypes() {
		if connected == requesting.ModuleType || connected == types.ModuleMonitor {
			continue
		}
		name := r.connectionName(session, connected)
		if name == "" {
			continue
		}
		status, ok := r.monitor.Status(connected, name)
		if !ok {
			return fail("Unable to get the module status for module type %s based on connection name of %s, therefore unable to fully populate the allocated modules for the module allocation request",
				connected.DisplayName(), name)
		}
		allocated[connected] = message.StatusPayload(status)
	}

	payload, err := r.opts.PayloadCodec.Marshal(message.AllocationRequest{
		Requestor: message.StatusPayload(requesting),
		Allocated: allocated,
	})
	if err != nil {
		return fail("Unable to encode the module allocation request: %v", err)
	}

	c := r.Client(target)
	if c == nil {
		return fail("Lost the message client for %s before the module allocation request could be sent", target)
	}
	r.logger.Info("Requesting module allocation", "module_type", string(mt), "address", target, "allocated", len(allocated))

	req := Request{
		Type:    types.MessageModuleAllocationRequest,
		Payload: payload,
		Session: session,
		Callback: &allocationCallback{
			router:     r,
			session:    session,
			moduleType: mt,
			requesting: requesting,
			filter:     filter,
			destroy:    destroy,
			selection:  cb,
		},
	}
	return r.deliver(ctx, []*client.Client{c}, r.envelope(req), req)
}

// colocateWithUMS requires a Domain module on the host of the session's UMS.
func (r *Router) colocateWithUMS(session *types.UserSession, filter *ConnectionFilter) {
	ums, ok := r.monitor.Status(types.ModuleUMS, r.connectionName(session, types.ModuleUMS))
	if !ok {
		return
	}
	host := types.AddressHost(ums.Address)
	if host == "" {
		r.logger.Warn("Unable to extract the UMS host, the Domain module may not be on the same computer as the UMS",
			"ums", ums.Address)
		return
	}
	filter.AddRequiredAddress(host)
}

// createModuleClient picks a module of type mt known to the monitor and
// connects to it. A lone candidate is taken unless ignored. Otherwise the
// first accepted candidate on this host wins, then the first accepted one.
func (r *Router) createModuleClient(ctx context.Context, session *types.UserSession, filter *ConnectionFilter,
	mt types.ModuleType, destroy bool) *client.Client {
	candidates := r.monitor.LastStatus(mt)
	if len(candidates) == 0 {
		r.logger.Error("No up-to-date module status for module type, unable to send a module allocation request",
			"module_type", string(mt))
		return nil
	}
	if r.opts.IPFilter && filter != nil {
		accepted := candidates[:0]
		for _, p := range candidates {
			if filter.Accept(p) {
				accepted = append(accepted, p)
			} else {
				r.logger.Info("Removing candidate that does not pass the connection filter", "candidate", p.String(), "filter", filter.String())
			}
		}
		candidates = accepted
	}

	connect := func(p types.PeerDescriptor) *client.Client {
		c, err := r.createQueueClient(ctx, p.Address, p.ModuleType, destroy)
		if err != nil {
			r.logger.Warn("Failed to connect to candidate module", "candidate", p.String(), "error", err)
			return nil
		}
		r.bind(session, p.ModuleType, p.Address)
		return c
	}

	if len(candidates) == 1 && !filter.IsIgnored(candidates[0].Address) {
		if c := connect(candidates[0]); c != nil {
			return c
		}
	} else {
		for _, p := range candidates {
			if filter.Accept(p) && r.isLocal(p.Address) {
				if c := connect(p); c != nil {
					return c
				}
			}
		}
		for _, p := range candidates {
			if filter.Accept(p) {
				if c := connect(p); c != nil {
					return c
				}
			}
		}
	}

	r.logger.Warn("Failed to create a message client for a module from known modules of that type",
		"module_type", string(mt), "ignored", filter.IgnoredAddresses())
	return nil
}

func (r *Router) isLocal(address string) bool {
	for _, a := range r.opts.LocalAddresses() {
		if a != "" && strings.Contains(address, a) {
			return true
		}
	}
	return false
}

type allocationCallback struct {
	router     *Router
	session    *types.UserSession
	moduleType types.ModuleType
	requesting types.PeerDescriptor
	filter     *ConnectionFilter
	destroy    bool
	selection  collection.Callback

	mu     sync.Mutex
	denied bool
	denier string
}

// Received records a denial carried by the allocation reply.
func (a *allocationCallback) Received(env *message.Envelope) {
	if env.Type != types.MessageModuleAllocationReply {
		return
	}
	var reply message.AllocationReply
	if err := a.router.opts.PayloadCodec.Unmarshal(env.Payload, &reply); err != nil {
		a.router.logger.Warn("Unable to decode module allocation reply", "sender", env.SenderAddress, "error", err)
		return
	}
	if !reply.Denied {
		return
	}
	a.router.logger.Warn("Module allocation request was not satisfied",
		"sender", env.SenderAddress, "reason", reply.Reason, "info", reply.AdditionalInfo)
	a.mu.Lock()
	a.denied = true
	a.denier = env.SenderAddress
	a.mu.Unlock()
}

// Success retries selection without the module that denied the request.
func (a *allocationCallback) Success() {
	retry, denied := a.retryFilter()
	if !denied {
		a.selection.Success()
		return
	}
	a.router.logger.Info("Selecting another module after a denied allocation",
		"code", types.ErrCodeAllocationDenied, "module_type", string(a.moduleType), "ignored", retry.IgnoredAddresses())
	_ = a.router.SelectModule(context.Background(), a.session, a.moduleType, a.requesting, retry, a.destroy, a.selection)
}

// retryFilter derives the filter of the next selection, which ignores the
// module that denied the request. It reports false when nobody denied.
func (a *allocationCallback) retryFilter() (*ConnectionFilter, bool) {
	a.mu.Lock()
	denied, denier := a.denied, a.denier
	a.mu.Unlock()
	if !denied {
		return nil, false
	}
	retry := a.filter.Derive()
	retry.AddIgnoreAddress(denier)
	return retry, true
}

// Failure reports the failure to the selection callback
func (a *allocationCallback) Failure(reason string) {
	a.selection.Failure(reason)
}

// FailureMessage reports the failure to the selection callback
func (a *allocationCallback) FailureMessage(env *message.Envelope) {
	a.selection.FailureMessage(env)
}

// IsAlreadyAllocated reports whether the session of an allocation request
// already has a module of the requestor's type.
func (r *Router) IsAlreadyAllocated(env *message.Envelope) bool {
	if env == nil || env.Session == nil {
		return false
	}
	req, err := r.DecodeAllocationRequest(env)
	if err != nil {
		return false
	}
	return r.connectionName(env.Session, req.Requestor.ModuleType) != ""
}

// DecodeAllocationRequest reads the payload of a module allocation request.
func (r *Router) DecodeAllocationRequest(env *message.Envelope) (message.AllocationRequest, error) {
	var req message.AllocationRequest
	if env.Type != types.MessageModuleAllocationRequest {
		return req, types.NewError(types.ErrCodeInvalidArgument, "not a module allocation request: "+string(env.Type))
	}
	if err := r.opts.PayloadCodec.Unmarshal(env.Payload, &req); err != nil {
		return req, types.WrapError(types.ErrCodeDecode, "failed to decode module allocation request", err)
	}
	return req, nil
}

// UseSameModules connects to the modules the requestor of an allocation
// already holds for its session, and to the requestor itself, and binds them
// to the session. A gateway in the list also gets its simulation topic
// subscribed, replacing the topic previously used by the session.
func (r *Router) UseSameModules(ctx context.Context, env *message.Envelope, serverMode bool) error {
	req, err := r.DecodeAllocationRequest(env)
	if err != nil {
		return err
	}
	session := env.Session
	if session == nil {
		session = preUserSession()
	}
	r.logger.Info("Using the same modules as the requesting module", "requestor", req.Requestor.Address, "session", session.String())

	moduleTypes := make([]types.ModuleType, 0, len(req.Allocated))
	for mt := range req.Allocated {
		moduleTypes = append(moduleTypes, mt)
	}
	sort.Slice(moduleTypes, func(i, j int) bool { return moduleTypes[i] < moduleTypes[j] })

	for _, mt := range moduleTypes {
		status := req.Allocated[mt]
		if status.ModuleType == r.opts.ModuleType {
			continue
		}
		if _, err := r.createQueueClient(ctx, status.Address, status.ModuleType, false); err != nil {
			r.logger.Error("Failed to connect to allocated module", "address", status.Address, "error", err)
			continue
		}
		r.bind(session, status.ModuleType, status.Address)

		if status.ModuleType == types.ModuleGateway && status.TopicAddress != "" {
			r.useGatewayTopic(ctx, session, status.TopicAddress, serverMode)
		}
	}

	requestor := req.Requestor
	if _, err := r.createQueueClient(ctx, requestor.Address, requestor.ModuleType, false); err != nil {
		r.logger.Error("Failed to map the requesting module to the session because a client could not be created",
			"requestor", requestor.Address, "error", err)
		return err
	}
	switch {
	case session.UserID != types.PreUserUnknownID:
		r.bind(session, requestor.ModuleType, requestor.Address)
	case requestor.ModuleType != types.ModuleTutor && requestor.ModuleType != types.ModuleDomain &&
		requestor.ModuleType != types.ModuleGateway:
		r.logger.Error("Failed to map the requesting module to the session because a user id was not provided",
			"requestor", requestor.Address)
	}
	return nil
}

func (r *Router) useGatewayTopic(ctx context.Context, session *types.UserSession, topic string, serverMode bool) {
	h := r.simulation()
	if h == nil || r.HaveConnection(topic) {
		return
	}
	if _, err := r.createTopicClient(ctx, topic, h, serverMode); err != nil {
		r.logger.Error("Failed to subscribe to simulation messages", "topic", topic, "error", err)
		return
	}
	key := session.Key(types.ModuleGateway).SessionOnly()
	r.mu.Lock()
	old := r.gatewayTopics[key]
	r.gatewayTopics[key] = topic
	r.mu.Unlock()
	if old != "" && old != topic {
		r.logger.Info("Removing the old gateway topic of the session", "old", old, "topic", topic)
		r.removeConnection(ctx, old, true, serverMode)
	}
}

// GatewayTopic returns the simulation topic used by the session.
func (r *Router) GatewayTopic(session *types.UserSession) (string, bool) {
	if session == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	topic, ok := r.gatewayTopics[session.Key(types.ModuleGateway).SessionOnly()]
	return topic, ok
}

// ReleaseDomainSessionModules drops the session's bindings to the modules
// allocated per session and its gateway topic. Gateway destinations are only
// destroyed in server mode.
func (r *Router) ReleaseDomainSessionModules(ctx context.Context, session *types.UserSession, serverMode bool) {
	if session == nil {
		return
	}
	r.logger.Info("Releasing domain session allocated modules", "session", session.String())
	for _, mt := range r.arch.SessionModules() {
		r.removeUserConnection(ctx, session, mt, true, mt == types.ModuleGateway && serverMode)
	}

	key := session.Key(types.ModuleGateway).SessionOnly()
	r.mu.Lock()
	topic, ok := r.gatewayTopics[key]
	delete(r.gatewayTopics, key)
	r.mu.Unlock()
	if ok {
		r.removeConnection(ctx, topic, true, serverMode)
	}
}

// ReleaseUserSessionModules releases the domain session modules and forgets
// every other binding of the session. Clients shared with other sessions,
// such as the UMS, stay connected.
func (r *Router) ReleaseUserSessionModules(ctx context.Context, session *types.UserSession, serverMode bool) {
	if session == nil {
		return
	}
	r.ReleaseDomainSessionModules(ctx, session, serverMode)
	for _, mt := range types.AllModuleTypes() {
		r.removeUserConnection(ctx, session, mt, false, false)
	}
}
