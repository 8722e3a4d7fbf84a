package message

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/billm/tutornet/pkg/types"
)

// Kind classifies an envelope for reply correlation.
type Kind int

const (
	KindNormal Kind = iota
	KindACK
	KindNACK
	KindProcessedACK
	KindProcessedNACK
)

var kindNames = map[Kind]string{
	KindNormal:        "normal",
	KindACK:           "ack",
	KindNACK:          "nack",
	KindProcessedACK:  "processed_ack",
	KindProcessedNACK: "processed_nack",
}

// String returns the string representation of the kind
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	_, ok := kindNames[k]
	return ok
}

// IsAcknowledgement reports whether the kind is one of the ACK/NACK variants.
func (k Kind) IsAcknowledgement() bool {
	return k != KindNormal && k.IsValid()
}

// IsNegative reports whether the kind rejects the request it replies to.
func (k Kind) IsNegative() bool {
	return k == KindNACK || k == KindProcessedNACK
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	if !k.IsValid() {
		return nil, fmt.Errorf("invalid message kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	for kind, name := range kindNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("invalid message kind %q", string(text))
}

// KindOf returns the kind implied by a message type.
func KindOf(t types.MessageType) Kind {
	switch t {
	case types.MessageACK:
		return KindACK
	case types.MessageNACK:
		return KindNACK
	case types.MessageProcessedACK:
		return KindProcessedACK
	case types.MessageProcessedNACK:
		return KindProcessedNACK
	default:
		return KindNormal
	}
}

// Envelope is the unit exchanged between modules. Sequence number and source
// event id are assigned when the envelope is built and never change afterwards.
type Envelope struct {
	SequenceNumber     int64
	SourceEventID      int64
	SenderName         string
	SenderAddress      string
	SenderModule       types.ModuleType
	DestinationAddress string
	ReplyTo            *int64
	NeedsACK           bool
	Kind               Kind
	Type               types.MessageType
	Session            *types.UserSession
	DomainSessionID    int
	Timestamp          time.Time
	Payload            []byte
}

// IsReply reports whether the envelope answers an earlier envelope.
func (e *Envelope) IsReply() bool {
	return e.ReplyTo != nil
}

// ReplyToSequence returns the sequence number being replied to.
func (e *Envelope) ReplyToSequence() (int64, bool) {
	if e.ReplyTo == nil {
		return 0, false
	}
	return *e.ReplyTo, true
}

// Clone returns a copy of the envelope addressed to destination with a new
// sequence number. Everything else, including the source event id and the
// payload, is preserved.
func (e *Envelope) Clone(destination string, seq int64) *Envelope {
	c := *e
	c.DestinationAddress = destination
	c.SequenceNumber = seq
	if e.ReplyTo != nil {
		r := *e.ReplyTo
		c.ReplyTo = &r
	}
	if e.Session != nil {
		s := *e.Session
		c.Session = &s
	}
	if e.Payload != nil {
		c.Payload = append([]byte(nil), e.Payload...)
	}
	return &c
}

// String returns a short description of the envelope for logs
func (e *Envelope) String() string {
	reply := "none"
	if e.ReplyTo != nil {
		reply = fmt.Sprintf("%d", *e.ReplyTo)
	}
	return fmt.Sprintf("Envelope{type: %s, kind: %s, seq: %d, source_event: %d, reply_to: %s, from: %s, to: %s}",
		e.Type, e.Kind, e.SequenceNumber, e.SourceEventID, reply, e.SenderAddress, e.DestinationAddress)
}

// Sequencer hands out sequence numbers and source event ids for one sender.
type Sequencer struct {
	seq    atomic.Int64
	events atomic.Int64
}

// NextSequence returns the next sequence number
func (s *Sequencer) NextSequence() int64 {
	return s.seq.Add(1)
}

// NextSourceEvent returns the next source event id
func (s *Sequencer) NextSourceEvent() int64 {
	return s.events.Add(1)
}

// Sender stamps outgoing envelopes with the identity of the sending module.
type Sender struct {
	Name    string
	Address string
	Module  types.ModuleType
	Seq     *Sequencer
}

// New builds an envelope of the given type with fresh sequence numbers.
func (s Sender) New(msgType types.MessageType, payload []byte) *Envelope {
	return &Envelope{
		SequenceNumber: s.Seq.NextSequence(),
		SourceEventID:  s.Seq.NextSourceEvent(),
		SenderName:     s.Name,
		SenderAddress:  s.Address,
		SenderModule:   s.Module,
		Kind:           KindOf(msgType),
		Type:           msgType,
		Timestamp:      time.Now(),
		Payload:        payload,
	}
}

// Reply builds a reply to original. The reply keeps the source event id of
// the request, is addressed to its sender and refers to its sequence number.
func (s Sender) Reply(original *Envelope, msgType types.MessageType, payload []byte) *Envelope {
	replyTo := original.SequenceNumber
	var session *types.UserSession
	if original.Session != nil {
		us := *original.Session
		session = &us
	}
	return &Envelope{
		SequenceNumber:     s.Seq.NextSequence(),
		SourceEventID:      original.SourceEventID,
		SenderName:         s.Name,
		SenderAddress:      s.Address,
		SenderModule:       s.Module,
		DestinationAddress: original.SenderAddress,
		ReplyTo:            &replyTo,
		Kind:               KindOf(msgType),
		Type:               msgType,
		Session:            session,
		DomainSessionID:    original.DomainSessionID,
		Timestamp:          time.Now(),
		Payload:            payload,
	}
}
