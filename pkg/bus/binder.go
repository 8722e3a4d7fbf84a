package bus

// Binder decides how a client attaches its producer and consumer to a named
// destination. It is the only difference between queue and topic clients.
type Binder interface {
	Kind() DestinationKind
	// Bind creates the producer and, when consume is set, the consumer.
	Bind(conn Connection, name string, consume bool) (Producer, Consumer, error)
	// Durable reports whether Bind creates a durable subscription.
	Durable() bool
}

// QueueBinder binds point-to-point queues.
type QueueBinder struct{}

// Kind returns KindQueue
func (QueueBinder) Kind() DestinationKind { return KindQueue }

// Durable returns false
func (QueueBinder) Durable() bool { return false }

// Bind creates a queue producer and consumer
func (QueueBinder) Bind(conn Connection, name string, consume bool) (Producer, Consumer, error) {
	return bind(conn, Queue(name), "", consume)
}

// TopicBinder binds broadcast topics, optionally with a durable subscription.
type TopicBinder struct {
	DurableName string
}

// Kind returns KindTopic
func (TopicBinder) Kind() DestinationKind { return KindTopic }

// Durable reports whether a durable subscription name is set
func (b TopicBinder) Durable() bool { return b.DurableName != "" }

// Bind creates a topic producer and subscriber
func (b TopicBinder) Bind(conn Connection, name string, consume bool) (Producer, Consumer, error) {
	return bind(conn, Topic(name), b.DurableName, consume)
}

func bind(conn Connection, dest Destination, durable string, consume bool) (Producer, Consumer, error) {
	producer, err := conn.CreateProducer(dest)
	if err != nil {
		return nil, nil, err
	}
	if !consume {
		return producer, nil, nil
	}
	consumer, err := conn.CreateConsumer(dest, durable)
	if err != nil {
		_ = producer.Close()
		return nil, nil, err
	}
	return producer, consumer, nil
}
