package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/tutornet/internal/logger"
	"github.com/billm/tutornet/pkg/bus"
	"github.com/billm/tutornet/pkg/bus/membus"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/types"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ConnectionOpened(*Client) { r.add("opened") }
func (r *recorder) ConnectionLost(*Client)   { r.add("lost") }
func (r *recorder) ConnectionClosed(*Client) { r.add("closed") }

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (i *inbox) handle(m Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) all() []Message {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]Message(nil), i.msgs...)
}

func newBroker(opts ...membus.Option) *membus.Broker {
	return membus.New(append([]membus.Option{membus.WithLogger(logger.NewNop())}, opts...)...)
}

func newClient(t *testing.T, b bus.Broker, cfg Config) *Client {
	t.Helper()
	if cfg.Binder == nil {
		cfg.Binder = bus.QueueBinder{}
	}
	if cfg.Codec == nil {
		cfg.Codec = message.JSONCodec{}
	}
	cfg.Logger = logger.NewNop()
	c, err := New(b, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Disconnect(context.Background(), false) })
	return c
}

func testEnvelope(seq int64) *message.Envelope {
	return &message.Envelope{
		SequenceNumber: seq,
		SourceEventID:  seq,
		SenderAddress:  "Domain-Queue_127.0.0.1_Inbox",
		SenderModule:   types.ModuleDomain,
		Kind:           message.KindNormal,
		Type:           types.MessageKillModule,
		Payload:        []byte("payload"),
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Config{Destination: "x", Binder: bus.QueueBinder{}})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = New(newBroker(), Config{Binder: bus.QueueBinder{}})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = New(newBroker(), Config{Destination: "x"})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSendAndReceive(t *testing.T) {
	b := newBroker()
	var in inbox
	receiver := newClient(t, b, Config{Destination: "inbox", Handler: in.handle})
	sender := newClient(t, b, Config{Destination: "inbox"})

	ctx := context.Background()
	require.NoError(t, receiver.Connect(ctx))
	require.NoError(t, sender.Connect(ctx))
	assert.Equal(t, StateOnline, sender.State())
	assert.False(t, sender.IsConsumer())

	require.NoError(t, sender.Send(ctx, testEnvelope(1)))
	require.NoError(t, sender.Send(ctx, testEnvelope(2)))

	require.Eventually(t, func() bool { return len(in.all()) == 2 }, time.Second, 5*time.Millisecond)
	msgs := in.all()
	assert.Equal(t, int64(1), msgs[0].Envelope.SequenceNumber)
	assert.Equal(t, int64(2), msgs[1].Envelope.SequenceNumber)
	assert.NoError(t, msgs[0].Err)
	assert.Equal(t, []byte("payload"), msgs[0].Envelope.Payload)
}

func TestSendRequiresOnline(t *testing.T) {
	c := newClient(t, newBroker(), Config{Destination: "q"})

	err := c.Send(context.Background(), testEnvelope(1))
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background(), false))

	err = c.Send(context.Background(), testEnvelope(1))
	assert.True(t, types.IsErrCode(err, types.ErrCodeUnavailable))
	assert.False(t, c.Active())

	err = c.Connect(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))
}

func TestConnectFailure(t *testing.T) {
	b := newBroker()
	b.SetAvailable(false)
	c := newClient(t, b, Config{Destination: "q"})

	err := c.Connect(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeConnection))
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDisconnectWithDestroyNotifiesClosedOnce(t *testing.T) {
	b := newBroker()
	var in inbox
	c := newClient(t, b, Config{Destination: "ephemeral", Handler: in.handle})
	rec := &recorder{}
	c.AddConnectionListener(rec)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background(), true))
	require.NoError(t, c.Disconnect(context.Background(), true))

	assert.Equal(t, []string{"closed"}, rec.snapshot())
	assert.Equal(t, []bus.Destination{bus.Queue("ephemeral")}, b.Destroyed())
	assert.Equal(t, StateDisconnected, c.State())
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	b := newBroker()
	var in inbox
	c := newClient(t, b, Config{
		Destination:       "inbox",
		Handler:           in.handle,
		KeepTrying:        true,
		ReconnectInterval: 10 * time.Millisecond,
	})
	rec := &recorder{}
	c.AddConnectionListener(rec)
	require.NoError(t, c.Connect(context.Background()))

	b.SetAvailable(false)
	require.Equal(t, 1, b.Sever(c.ClientID()))

	require.Eventually(t, func() bool { return c.State() == StateReconnecting }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"lost"}, rec.snapshot())

	b.SetAvailable(true)
	require.Eventually(t, func() bool { return c.Online() }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"lost", "opened"}, rec.snapshot())

	sender := newClient(t, b, Config{Destination: "inbox"})
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, sender.Send(context.Background(), testEnvelope(9)))
	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestConnectionLossWithoutRetry(t *testing.T) {
	b := newBroker()
	c := newClient(t, b, Config{Destination: "q", Handler: func(Message) {}})
	rec := &recorder{}
	c.AddConnectionListener(rec)
	require.NoError(t, c.Connect(context.Background()))

	b.Sever(c.ClientID())
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"lost"}, rec.snapshot())
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.Active())
}

func TestDisconnectAfterLossDoesNotNotifyAgain(t *testing.T) {
	b := newBroker()
	c := newClient(t, b, Config{Destination: "q", Handler: func(Message) {}})
	rec := &recorder{}
	c.AddConnectionListener(rec)
	require.NoError(t, c.Connect(context.Background()))

	require.Equal(t, 1, b.Sever(c.ClientID()))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Disconnect(context.Background(), false))
	assert.Equal(t, []string{"lost"}, rec.snapshot())
	assert.False(t, c.Active())
}

func TestReconnectedClientNotifiesClosed(t *testing.T) {
	b := newBroker()
	c := newClient(t, b, Config{Destination: "q", Handler: func(Message) {}})
	rec := &recorder{}
	c.AddConnectionListener(rec)
	require.NoError(t, c.Connect(context.Background()))

	require.Equal(t, 1, b.Sever(c.ClientID()))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Disconnect(context.Background(), false))
	assert.Equal(t, []string{"lost", "closed"}, rec.snapshot())
}

func TestDisconnectStopsReconnectLoop(t *testing.T) {
	b := newBroker()
	c := newClient(t, b, Config{Destination: "q", KeepTrying: true, ReconnectInterval: time.Hour})
	rec := &recorder{}
	c.AddConnectionListener(rec)
	require.NoError(t, c.Connect(context.Background()))

	b.SetAvailable(false)
	b.Sever(c.ClientID())
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = c.Disconnect(context.Background(), false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disconnect blocked on the reconnect backoff")
	}
	assert.Equal(t, []string{"lost", "closed"}, rec.snapshot())
}

func TestPruneDropsStaleMessages(t *testing.T) {
	mock := clock.NewMock()
	b := newBroker(membus.WithClock(mock))
	ctx := context.Background()

	sender := newClient(t, b, Config{Destination: "inbox", Clock: mock})
	require.NoError(t, sender.Connect(ctx))
	require.NoError(t, sender.Send(ctx, testEnvelope(1)))
	require.NoError(t, sender.Send(ctx, testEnvelope(2)))

	mock.Add(time.Second)

	var in inbox
	receiver := newClient(t, b, Config{Destination: "inbox", Handler: in.handle, PruneOnStartup: true, Clock: mock})
	require.NoError(t, receiver.Connect(ctx))
	require.NoError(t, sender.Send(ctx, testEnvelope(3)))

	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), in.all()[0].Envelope.SequenceNumber)
	assert.Equal(t, 0, b.QueueDepth("inbox"))
}

func TestDecodeErrorIsDelivered(t *testing.T) {
	b := newBroker()
	var in inbox
	receiver := newClient(t, b, Config{Destination: "inbox", Handler: in.handle})
	require.NoError(t, receiver.Connect(context.Background()))

	raw := newClient(t, b, Config{Destination: "inbox"})
	require.NoError(t, raw.Connect(context.Background()))
	require.NoError(t, raw.SendRaw(context.Background(), []byte("not an envelope")))

	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	msg := in.all()[0]
	assert.Error(t, msg.Err)
	assert.True(t, types.IsErrCode(msg.Err, types.ErrCodeDecode))
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := newBroker()
	var in inbox
	calls := 0
	receiver := newClient(t, b, Config{Destination: "inbox", Handler: func(m Message) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		in.handle(m)
	}})
	require.NoError(t, receiver.Connect(context.Background()))

	sender := newClient(t, b, Config{Destination: "inbox"})
	require.NoError(t, sender.Connect(context.Background()))
	require.NoError(t, sender.Send(context.Background(), testEnvelope(1)))
	require.NoError(t, sender.Send(context.Background(), testEnvelope(2)))

	require.Eventually(t, func() bool { return len(in.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), in.all()[0].Envelope.SequenceNumber)
}

func TestDurableTopicUnsubscribesOnDisconnect(t *testing.T) {
	b := newBroker()
	c := newClient(t, b, Config{
		Destination: "Gateway_Topic_10.0.0.1",
		Binder:      bus.TopicBinder{DurableName: "sim"},
		Handler:     func(Message) {},
	})
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, b.Subscribers("Gateway_Topic_10.0.0.1"))

	require.NoError(t, c.Disconnect(context.Background(), false))
	assert.Equal(t, 0, b.Subscribers("Gateway_Topic_10.0.0.1"))
}
