package collection

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
	"github.com/billm/tutornet/pkg/client"
	"github.com/billm/tutornet/pkg/message"
	"github.com/billm/tutornet/pkg/types"
)

type outcome struct {
	mu        sync.Mutex
	received  []*message.Envelope
	successes int
	failures  []string
	nacks     []*message.Envelope
	panicOnOK bool
}

func (o *outcome) Received(env *message.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, env)
}

func (o *outcome) Success() {
	o.mu.Lock()
	o.successes++
	p := o.panicOnOK
	o.mu.Unlock()
	if p {
		panic("boom")
	}
}

func (o *outcome) Failure(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, reason)
}

func (o *outcome) FailureMessage(env *message.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nacks = append(o.nacks, env)
}

func (o *outcome) counts() (successes, failures, nacks, received int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.successes, len(o.failures), len(o.nacks), len(o.received)
}

func (o *outcome) failure(i int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures[i]
}

type fixture struct {
	broker   *membus.Broker
	clock    *clock.Mock
	clients  []*client.Client
	finished []int64
	mu       sync.Mutex
}

func newFixture(t *testing.T, destinations ...string) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewMock()}
	f.broker = membus.New(membus.WithLogger(logger.NewNop()), membus.WithClock(f.clock))
	for _, d := range destinations {
		c, err := client.New(f.broker, client.Config{
			Destination: d,
			Binder:      bus.QueueBinder{},
			Codec:       message.JSONCodec{},
			KeepTrying:  true,
			Clock:       f.clock,
			Logger:      logger.NewNop(),
		})
		require.NoError(t, err)
		require.NoError(t, c.Connect(context.Background()))
		t.Cleanup(func() { _ = c.Disconnect(context.Background(), false) })
		f.clients = append(f.clients, c)
	}
	return f
}

func (f *fixture) finishedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.finished...)
}

func (f *fixture) tracker(t *testing.T, cb Callback) *Tracker {
	t.Helper()
	env := (message.Sender{
		Name:    "Domain",
		Address: "Domain-Queue_127.0.0.1_Inbox",
		Module:  types.ModuleDomain,
		Seq:     &message.Sequencer{},
	}).New(types.MessageKillModule, nil)

	tr, err := New(env, f.clients, cb, Options{
		AckTimeout: time.Second,
		Sequencer:  &message.Sequencer{},
		Clock:      f.clock,
		Logger:     logger.NewNop(),
		Finished: func(id int64) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.finished = append(f.finished, id)
		},
	})
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background()))
	return tr
}

func reply(seq int64, kind message.Kind) *message.Envelope {
	env := &message.Envelope{
		SenderAddress: "Tutor-Queue_127.0.0.1_Inbox",
		ReplyTo:       &seq,
		Kind:          kind,
		Type:          types.MessageType("REPLY"),
	}
	return env
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, []*client.Client{{}}, nil, Options{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))

	_, err = New(&message.Envelope{}, nil, nil, Options{})
	assert.True(t, types.IsErrCode(err, types.ErrCodeInvalidArgument))
}

func TestSendClonesPerDestination(t *testing.T) {
	f := newFixture(t, "a", "b")
	tr := f.tracker(t, &outcome{})

	assert.Equal(t, 1, f.broker.QueueDepth("a"))
	assert.Equal(t, 1, f.broker.QueueDepth("b"))
	assert.Equal(t, []string{"a", "b"}, tr.Destinations())
	assert.False(t, tr.Finished())
}

func TestSendOnlyOnce(t *testing.T) {
	f := newFixture(t, "a", "b")
	tr := f.tracker(t, &outcome{})

	err := tr.Send(context.Background())
	assert.True(t, types.IsErrCode(err, types.ErrCodeFailedPrecondition))

	tr.mu.Lock()
	assert.Len(t, tr.status, 2)
	assert.Len(t, tr.order, 2)
	tr.mu.Unlock()
	assert.Equal(t, 1, f.broker.QueueDepth("a"))
	assert.Equal(t, 1, f.broker.QueueDepth("b"))
}

func TestAllRepliesSucceedOnce(t *testing.T) {
	f := newFixture(t, "a", "b")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	assert.True(t, tr.Receive(reply(1, message.KindACK)))
	assert.True(t, tr.Receive(reply(2, message.KindACK)))
	assert.True(t, tr.Receive(reply(1, message.KindNormal)))
	assert.False(t, tr.Finished())
	assert.True(t, tr.Receive(reply(2, message.KindProcessedACK)))
	assert.True(t, tr.Finished())

	// late replies are not claimed
	assert.False(t, tr.Receive(reply(2, message.KindNormal)))

	require.Eventually(t, func() bool {
		s, _, _, _ := cb.counts()
		return s == 1
	}, time.Second, 5*time.Millisecond)

	f.clock.Add(5 * time.Second)
	s, fails, _, received := cb.counts()
	assert.Equal(t, 1, s)
	assert.Equal(t, 0, fails)
	assert.Equal(t, 1, received, "processed acks are not forwarded")
	assert.Equal(t, []int64{tr.SourceEventID()}, f.finishedIDs())
}

func TestUnknownReplyIsNotClaimed(t *testing.T) {
	f := newFixture(t, "a")
	tr := f.tracker(t, &outcome{})

	assert.False(t, tr.Receive(reply(99, message.KindNormal)))
	assert.False(t, tr.Receive(&message.Envelope{Kind: message.KindNormal}))
}

func TestNACKFailsImmediately(t *testing.T) {
	f := newFixture(t, "a", "b")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	assert.True(t, tr.Receive(reply(2, message.KindNACK)))
	assert.True(t, tr.Finished())

	require.Eventually(t, func() bool {
		_, _, n, _ := cb.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	s, fails, _, _ := cb.counts()
	assert.Equal(t, 0, s)
	assert.Equal(t, 0, fails)
	assert.Len(t, f.finishedIDs(), 1)
}

func TestTimeoutNamesSilentDestinations(t *testing.T) {
	f := newFixture(t, "a", "b")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	tr.Receive(reply(1, message.KindNormal))
	f.clock.Add(time.Second)

	require.Eventually(t, func() bool {
		_, n, _, _ := cb.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	reason := cb.failure(0)
	assert.Contains(t, reason, "b did not respond")
	assert.NotContains(t, reason, "a, ")
	assert.True(t, tr.Finished())
}

func TestFullAcknowledgementCancelsTimeout(t *testing.T) {
	f := newFixture(t, "a", "b")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	tr.Receive(reply(1, message.KindACK))
	tr.Receive(reply(2, message.KindACK))
	f.clock.Add(5 * time.Second)

	time.Sleep(20 * time.Millisecond)
	_, fails, _, _ := cb.counts()
	assert.Equal(t, 0, fails)
	assert.False(t, tr.Finished())
}

func TestConnectionLossFailsRequest(t *testing.T) {
	f := newFixture(t, "a", "b")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	require.Equal(t, 1, f.broker.Sever(f.clients[1].ClientID()))

	require.Eventually(t, func() bool {
		_, n, _, _ := cb.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "The connection has timed out for b", cb.failure(0))
	assert.True(t, tr.Finished())
}

func TestConnectionCloseFailsRequest(t *testing.T) {
	f := newFixture(t, "a")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	require.NoError(t, f.clients[0].Disconnect(context.Background(), false))

	require.Eventually(t, func() bool {
		_, n, _, _ := cb.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, tr.Finished())
	assert.Len(t, f.finishedIDs(), 1)
}

func TestPanickingSuccessBecomesFailure(t *testing.T) {
	f := newFixture(t, "a")
	cb := &outcome{panicOnOK: true}
	tr := f.tracker(t, cb)

	tr.Receive(reply(1, message.KindNormal))

	require.Eventually(t, func() bool {
		_, n, _, _ := cb.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, cb.failure(0), "mis-behaving message callback")
}

func TestDecodeFailureOfReply(t *testing.T) {
	f := newFixture(t, "a")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	seq := int64(1)
	claimed := tr.ReceiveFailure(&message.DecodeError{
		Partial: &message.Envelope{ReplyTo: &seq},
		Err:     assert.AnError,
	})
	assert.True(t, claimed)
	require.Eventually(t, func() bool {
		_, n, _, _ := cb.counts()
		return n == 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, cb.failure(0), "could not be decoded")
}

func TestWithoutCallbackNoTimeoutIsArmed(t *testing.T) {
	f := newFixture(t, "a")
	tr := f.tracker(t, nil)

	f.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, tr.Finished())

	assert.True(t, tr.Receive(reply(1, message.KindNormal)))
	assert.True(t, tr.Finished())
	assert.Len(t, f.finishedIDs(), 1)
}

func TestAbortFinishesSilently(t *testing.T) {
	f := newFixture(t, "a")
	cb := &outcome{}
	tr := f.tracker(t, cb)

	tr.Abort()
	tr.Abort()
	assert.True(t, tr.Finished())
	assert.Len(t, f.finishedIDs(), 1)

	f.clock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	s, fails, _, _ := cb.counts()
	assert.Equal(t, 0, s+fails)
}
