package membus

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billm/tutornet/pkg/bus"
)

func receive(t *testing.T, c bus.Consumer) (bus.Delivery, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.Receive(ctx)
}

func connect(t *testing.T, b *Broker, id string) bus.Connection {
	t.Helper()
	conn, err := b.Connect(context.Background(), bus.ConnectOptions{ClientID: id})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestQueueHoldsMessagesUntilConsumed(t *testing.T) {
	b := New()
	conn := connect(t, b, "sender")

	p, err := conn.CreateProducer(bus.Queue("UMS-Queue_1.1.1.1_Inbox"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), []byte("one"), bus.SendOptions{}))
	require.NoError(t, p.Send(context.Background(), []byte("two"), bus.SendOptions{}))
	assert.Equal(t, 2, b.QueueDepth("UMS-Queue_1.1.1.1_Inbox"))

	c, err := connect(t, b, "receiver").CreateConsumer(bus.Queue("UMS-Queue_1.1.1.1_Inbox"), "")
	require.NoError(t, err)

	d, err := receive(t, c)
	require.NoError(t, err)
	assert.Equal(t, "one", string(d.Body))
	d, err = receive(t, c)
	require.NoError(t, err)
	assert.Equal(t, "two", string(d.Body))
}

func TestTopicBroadcastAndDurableSubscription(t *testing.T) {
	b := New()
	dest := bus.Topic("Gateway_Discovery")

	plain, err := connect(t, b, "a").CreateConsumer(dest, "")
	require.NoError(t, err)
	durableConn := connect(t, b, "b")
	durable, err := durableConn.CreateConsumer(dest, "b-sub")
	require.NoError(t, err)
	assert.Equal(t, 2, b.Subscribers("Gateway_Discovery"))

	p, err := connect(t, b, "pub").CreateProducer(dest)
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), []byte("hello"), bus.SendOptions{}))

	for _, c := range []bus.Consumer{plain, durable} {
		d, err := receive(t, c)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(d.Body))
	}

	// the durable subscription keeps buffering after its consumer closes
	require.NoError(t, durable.Close())
	require.NoError(t, plain.Close())
	assert.Equal(t, 1, b.Subscribers("Gateway_Discovery"))
	require.NoError(t, p.Send(context.Background(), []byte("while away"), bus.SendOptions{}))

	again, err := durableConn.CreateConsumer(dest, "b-sub")
	require.NoError(t, err)
	d, err := receive(t, again)
	require.NoError(t, err)
	assert.Equal(t, "while away", string(d.Body))

	require.NoError(t, again.Unsubscribe())
	assert.Equal(t, 0, b.Subscribers("Gateway_Discovery"))
}

func TestTopicWithoutSubscribersDrops(t *testing.T) {
	b := New()
	p, err := connect(t, b, "pub").CreateProducer(bus.Topic("nobody"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), []byte("x"), bus.SendOptions{}))
	assert.Equal(t, int64(1), b.Stats().Dropped)
}

func TestSeverFiresErrorCallback(t *testing.T) {
	b := New()
	conn := connect(t, b, "victim")

	errs := make(chan error, 1)
	conn.OnError(func(err error) { errs <- err })

	c, err := conn.CreateConsumer(bus.Queue("q"), "")
	require.NoError(t, err)
	p, err := conn.CreateProducer(bus.Queue("q"))
	require.NoError(t, err)

	received := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background())
		received <- err
	}()

	assert.Equal(t, 1, b.Sever("victim"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("error callback not invoked")
	}
	select {
	case err := <-received:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(time.Second):
		t.Fatal("blocked receive not woken")
	}
	assert.ErrorIs(t, p.Send(context.Background(), []byte("x"), bus.SendOptions{}), ErrConnectionLost)
}

func TestUnavailableBroker(t *testing.T) {
	b := New()
	b.SetAvailable(false)
	_, err := b.Connect(context.Background(), bus.ConnectOptions{})
	assert.ErrorIs(t, err, ErrUnavailable)

	b.SetAvailable(true)
	_, err = b.Connect(context.Background(), bus.ConnectOptions{})
	assert.NoError(t, err)
}

func TestDestroyDestination(t *testing.T) {
	b := New()
	conn := connect(t, b, "x")
	_, err := conn.CreateConsumer(bus.Topic("Gateway_Topic_1"), "")
	require.NoError(t, err)
	p, err := conn.CreateProducer(bus.Queue("Tutor-Queue_1.1.1.1_Inbox"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), []byte("x"), bus.SendOptions{}))

	ctx := context.Background()
	require.NoError(t, b.DestroyDestination(ctx, bus.Destination{Name: "Tutor-Queue_1.1.1.1_Inbox"}))
	require.NoError(t, b.DestroyDestination(ctx, bus.Destination{Name: "Gateway_Topic_1"}))
	assert.ErrorIs(t, b.DestroyDestination(ctx, bus.Queue("missing")), bus.ErrNotFound)

	assert.Equal(t, 0, b.QueueDepth("Tutor-Queue_1.1.1.1_Inbox"))
	assert.Equal(t, 0, b.Subscribers("Gateway_Topic_1"))
	assert.Len(t, b.Destroyed(), 3)
}

func TestExpiredMessagesAreSkipped(t *testing.T) {
	mock := clock.NewMock()
	b := New(WithClock(mock))
	conn := connect(t, b, "x")

	p, err := conn.CreateProducer(bus.Queue("q"))
	require.NoError(t, err)
	require.NoError(t, p.Send(context.Background(), []byte("short"), bus.SendOptions{TTL: time.Second}))
	require.NoError(t, p.Send(context.Background(), []byte("forever"), bus.SendOptions{}))

	mock.Add(2 * time.Second)

	c, err := conn.CreateConsumer(bus.Queue("q"), "")
	require.NoError(t, err)
	d, err := receive(t, c)
	require.NoError(t, err)
	assert.Equal(t, "forever", string(d.Body))
	assert.Equal(t, mock.Now().Add(-2*time.Second), d.Timestamp)
}
