package bus

import (
	"context"
	"errors"
	"time"
)

// DestinationKind says whether a destination is point-to-point or broadcast.
type DestinationKind int

const (
	// KindUnknown is used by administrative calls that should try every kind.
	KindUnknown DestinationKind = iota
	KindQueue
	KindTopic
)

// String returns the string representation of the kind
func (k DestinationKind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// Destination is a named queue or topic on the bus.
type Destination struct {
	Name string
	Kind DestinationKind
}

// Queue returns a queue destination
func Queue(name string) Destination {
	return Destination{Name: name, Kind: KindQueue}
}

// Topic returns a topic destination
func Topic(name string) Destination {
	return Destination{Name: name, Kind: KindTopic}
}

// String returns the string representation of the destination
func (d Destination) String() string {
	return d.Kind.String() + "://" + d.Name
}

// ErrClosed is returned by operations on a closed connection, producer or consumer.
var ErrClosed = errors.New("bus: closed")

// ErrNotFound is returned by DestroyDestination for unknown destinations.
var ErrNotFound = errors.New("bus: destination not found")

// Delivery is one message taken from a destination.
type Delivery struct {
	Body []byte
	// Timestamp is when the broker accepted the message.
	Timestamp time.Time
}

// SendOptions controls how a message is published.
type SendOptions struct {
	Priority   int
	TTL        time.Duration // zero means the message never expires
	Persistent bool
}

// ConnectOptions identifies a connection to the broker.
type ConnectOptions struct {
	ClientID string
}

// Broker is the message broker this module talks to.
type Broker interface {
	// Connect opens a connection.
	Connect(ctx context.Context, opts ConnectOptions) (Connection, error)
	// DestroyDestination force-deletes a destination out of band. A destination
	// of KindUnknown is looked up as a queue first and then as a topic.
	DestroyDestination(ctx context.Context, dest Destination) error
}

// Connection is an open session with the broker.
type Connection interface {
	// OnError registers the callback invoked when the connection fails.
	OnError(fn func(error))
	CreateProducer(dest Destination) (Producer, error)
	// CreateConsumer subscribes to dest. A non-empty durableName creates a
	// durable topic subscription that keeps buffering while disconnected.
	CreateConsumer(dest Destination, durableName string) (Consumer, error)
	Close() error
}

// Producer publishes to one destination.
type Producer interface {
	Send(ctx context.Context, body []byte, opts SendOptions) error
	Close() error
}

// Consumer receives from one destination.
type Consumer interface {
	// Receive blocks until a message arrives, ctx is done or the consumer
	// is closed (ErrClosed). A message already waiting is returned even when
	// ctx is done, so an expired context acts as a non-blocking poll.
	Receive(ctx context.Context) (Delivery, error)
	// Unsubscribe removes a durable subscription. It is a no-op for other consumers.
	Unsubscribe() error
	Close() error
}
