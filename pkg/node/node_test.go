package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/tutornet/internal/config"
	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/bus/membus"
	tgrpc "github.com/billm/tutornet/pkg/grpc"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/network"
	"github.com/billm/tutornet/pkg/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// selection records the outcome of a module selection
type selection struct {
	mu        sync.Mutex
	successes int
	failures  []string
}

func (s *selection) Received(*message.Envelope) {}

func (s *selection) Success() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
}

func (s *selection) Failure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, reason)
}

func (s *selection) FailureMessage(env *message.Envelope) {
	s.Failure("nack from " + env.SenderAddress)
}

func (s *selection) done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes+len(s.failures) > 0
}

func (s *selection) result() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes, append([]string(nil), s.failures...)
}

func testConfig(host string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Bus.Codec = "json"
	cfg.Bus.ReconnectInterval = 10 * time.Millisecond
	cfg.Network.Host = host
	cfg.Network.AckTimeout = 500 * time.Millisecond
	cfg.Network.IPFilter = false
	cfg.Discovery.HeartbeatInterval = 20 * time.Millisecond
	return cfg
}

func newNode(t *testing.T, broker *membus.Broker, cfg *config.Config, opts Options) *Node {
	t.Helper()
	opts.LocalAddresses = func() []string { return nil }
	opts.Logger = logger.NewNop()
	n, err := New(broker, cfg, opts)
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close(context.Background()) })
	return n
}

func newBroker() *membus.Broker {
	return membus.New(membus.WithLogger(logger.NewNop()))
}

// discovered waits until observer has heard the heartbeat of n
func discovered(t *testing.T, observer, n *Node) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := observer.Monitor().Status(n.Status().ModuleType, n.Status().Address)
		return ok
	}, waitFor, tick)
}

func allocate(t *testing.T, requestor *Node, session *types.UserSession, mt types.ModuleType) (int, []string) {
	t.Helper()
	sel := &selection{}
	require.NoError(t, requestor.Router().SelectModule(context.Background(), session, mt,
		requestor.Status(), nil, false, sel))
	require.Eventually(t, sel.done, waitFor, tick)
	return sel.result()
}

func TestNewValidates(t *testing.T) {
	cfg := testConfig("10.0.0.1")

	_, err := New(nil, cfg, Options{ModuleType: types.ModuleDomain})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = New(newBroker(), nil, Options{ModuleType: types.ModuleDomain})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = New(newBroker(), cfg, Options{ModuleType: "robot"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	bad := testConfig("10.0.0.1")
	bad.Bus.Codec = "xml"
	_, err = New(newBroker(), bad, Options{ModuleType: types.ModuleDomain})
	assert.Error(t, err)
}

func TestNodeStatus(t *testing.T) {
	broker := newBroker()
	gw, err := New(broker, testConfig("10.0.0.9"), Options{ModuleType: types.ModuleGateway, Instance: "a1", Logger: logger.NewNop()})
	require.NoError(t, err)

	status := gw.Status()
	assert.Equal(t, "Gateway-Queue_10.0.0.9_Inbox-a1", status.Address)
	assert.Equal(t, "Gateway_Topic_10.0.0.9-a1", status.TopicAddress)
	assert.Equal(t, "Gateway", status.ModuleName)
	assert.False(t, gw.Healthy())
}

func TestStartAnnouncesAndReportsHealth(t *testing.T) {
	broker := newBroker()
	hs := tgrpc.NewHealthServer(logger.NewNop())
	domain := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleDomain, Health: hs})
	tutor := newNode(t, broker, testConfig("10.0.0.2"), Options{ModuleType: types.ModuleTutor})

	discovered(t, tutor, domain)
	assert.True(t, domain.Healthy())
	assert.True(t, hs.IsServing(domain.HealthService()))

	err := domain.Start(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeAlreadyExists))

	require.NoError(t, domain.Close(context.Background()))
	require.NoError(t, domain.Close(context.Background()))
	assert.False(t, domain.Healthy())
	assert.False(t, hs.IsServing(domain.HealthService()))
	assert.False(t, hs.IsServing(""))
}

func TestAllocationGrantedJoinsRequestor(t *testing.T) {
	broker := newBroker()
	ped := newNode(t, broker, testConfig("10.0.0.2"), Options{ModuleType: types.ModulePedagogical})
	domain := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleDomain})
	discovered(t, domain, ped)

	session := types.NewUserSession(7)
	successes, failures := allocate(t, domain, session, types.ModulePedagogical)
	assert.Equal(t, 1, successes)
	assert.Empty(t, failures)

	assert.True(t, ped.Allocated(session))
	bound, ok := ped.Router().Binding(session, types.ModuleDomain)
	assert.True(t, ok)
	assert.Equal(t, domain.Status().Address, bound)

	bound, ok = domain.Router().Binding(session, types.ModulePedagogical)
	assert.True(t, ok)
	assert.Equal(t, ped.Status().Address, bound)
}

func TestPreUserAllocationsAreNotCounted(t *testing.T) {
	broker := newBroker()
	cfg := testConfig("10.0.0.2")
	cfg.Allocation.MaxAllocations = 1
	ums := newNode(t, broker, cfg, Options{ModuleType: types.ModuleUMS})
	tutor := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleTutor})
	discovered(t, tutor, ums)

	sel := &selection{}
	require.NoError(t, tutor.Router().SelectUMSModule(context.Background(), tutor.Status(), sel))
	require.Eventually(t, sel.done, waitFor, tick)
	successes, _ := sel.result()
	assert.Equal(t, 1, successes)
	assert.Zero(t, ums.AllocationCount())
}

func TestAllocationDeniedAtCapacity(t *testing.T) {
	broker := newBroker()
	cfg := testConfig("10.0.0.2")
	cfg.Allocation.MaxAllocations = 1
	ped := newNode(t, broker, cfg, Options{ModuleType: types.ModulePedagogical})
	domain := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleDomain})
	discovered(t, domain, ped)

	first := types.NewUserSession(7)
	successes, _ := allocate(t, domain, first, types.ModulePedagogical)
	require.Equal(t, 1, successes)

	second := types.NewUserSession(8)
	successes, failures := allocate(t, domain, second, types.ModulePedagogical)
	assert.Zero(t, successes)
	require.Len(t, failures, 1)
	assert.Equal(t, "There are no available Pedagogicals known to the Domain.", failures[0])
	assert.Equal(t, 1, ped.AllocationCount())
	assert.False(t, ped.Allocated(second))

	successes, failures = allocate(t, domain, first, types.ModulePedagogical)
	assert.Equal(t, 1, successes, "a session that already holds the module is granted again")
	assert.Empty(t, failures)
}

func TestReleaseFreesCapacity(t *testing.T) {
	broker := newBroker()
	cfg := testConfig("10.0.0.2")
	cfg.Allocation.MaxAllocations = 1
	ped := newNode(t, broker, cfg, Options{ModuleType: types.ModulePedagogical})
	domain := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleDomain})
	discovered(t, domain, ped)

	first := types.NewUserSession(7)
	successes, _ := allocate(t, domain, first, types.ModulePedagogical)
	require.Equal(t, 1, successes)

	ped.Release(context.Background(), first)
	assert.Zero(t, ped.AllocationCount())
	_, ok := ped.Router().Binding(first, types.ModuleDomain)
	assert.False(t, ok)

	successes, failures := allocate(t, domain, types.NewUserSession(8), types.ModulePedagogical)
	assert.Equal(t, 1, successes)
	assert.Empty(t, failures)
}

func TestAllocatedModuleRemovedReleasesSession(t *testing.T) {
	broker := newBroker()
	ped := newNode(t, broker, testConfig("10.0.0.2"), Options{ModuleType: types.ModulePedagogical})
	domain := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleDomain})
	discovered(t, domain, ped)

	session := types.NewUserSession(7)
	successes, _ := allocate(t, domain, session, types.ModulePedagogical)
	require.Equal(t, 1, successes)

	ped.AllocatedModuleRemoved(session.Key(types.ModuleDomain), domain.Status())
	assert.False(t, ped.Allocated(session))
	_, ok := ped.Router().Binding(session, types.ModuleDomain)
	assert.False(t, ok)
}

func TestHandlerReceivesOtherMessages(t *testing.T) {
	broker := newBroker()
	var mu sync.Mutex
	var got []types.MessageType
	ped := newNode(t, broker, testConfig("10.0.0.2"), Options{
		ModuleType: types.ModulePedagogical,
		Handler: func(_ context.Context, env *message.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, env.Type)
			return nil
		},
	})
	domain := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleDomain})
	discovered(t, domain, ped)

	session := types.NewUserSession(7)
	successes, _ := allocate(t, domain, session, types.ModulePedagogical)
	require.Equal(t, 1, successes)

	require.NoError(t, domain.Router().SendToModuleType(context.Background(), types.ModulePedagogical, network.Request{
		Type:    types.MessageLearnerState,
		Session: session,
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == types.MessageLearnerState
	}, waitFor, tick)
}

func TestKillModuleShutsDown(t *testing.T) {
	broker := newBroker()
	ped := newNode(t, broker, testConfig("10.0.0.2"), Options{ModuleType: types.ModulePedagogical})
	domain := newNode(t, broker, testConfig("10.0.0.1"), Options{ModuleType: types.ModuleDomain})
	discovered(t, domain, ped)

	successes, _ := allocate(t, domain, types.NewUserSession(7), types.ModulePedagogical)
	require.Equal(t, 1, successes)

	sm := NewShutdownManager(time.Second, logger.NewNop(), ped)
	sm.WatchKill(ped)

	require.NoError(t, domain.Router().SendMessageToSubject(context.Background(), ped.Status().Address,
		network.Request{Type: types.MessageKillModule}))

	select {
	case <-sm.Done():
	case <-time.After(waitFor):
		t.Fatal("kill request did not shut the node down")
	}
	assert.Equal(t, "kill request received by "+ped.Status().Address, sm.ShutdownReason())
	assert.False(t, ped.Healthy())
}
