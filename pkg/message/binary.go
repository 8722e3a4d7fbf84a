package message

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/billm/tutornet/pkg/types"
)

// BinaryCodec encodes envelopes as protobuf wire fields. The payload is
// always the last field written.
type BinaryCodec struct{}

const (
	fieldSequence        protowire.Number = 1
	fieldSourceEvent     protowire.Number = 2
	fieldSenderName      protowire.Number = 3
	fieldSenderAddress   protowire.Number = 4
	fieldSenderModule    protowire.Number = 5
	fieldDestination     protowire.Number = 6
	fieldReplyTo         protowire.Number = 7
	fieldNeedsACK        protowire.Number = 8
	fieldKind            protowire.Number = 9
	fieldType            protowire.Number = 10
	fieldSession         protowire.Number = 11
	fieldDomainSessionID protowire.Number = 12
	fieldTimestamp       protowire.Number = 13
	fieldPayload         protowire.Number = 15
)

const (
	sessionUserID       protowire.Number = 1
	sessionUsername     protowire.Number = 2
	sessionExperimentID protowire.Number = 3
	sessionGlobalUserID protowire.Number = 4
)

// Name returns the codec name
func (BinaryCodec) Name() string { return "binary" }

// Encode marshals the envelope
func (BinaryCodec) Encode(env *Envelope) ([]byte, error) {
	if !env.Kind.IsValid() {
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("invalid message kind %d", int(env.Kind)))
	}

	var b []byte
	b = appendVarint(b, fieldSequence, protowire.EncodeZigZag(env.SequenceNumber))
	b = appendVarint(b, fieldSourceEvent, protowire.EncodeZigZag(env.SourceEventID))
	b = appendString(b, fieldSenderName, env.SenderName)
	b = appendString(b, fieldSenderAddress, env.SenderAddress)
	b = appendString(b, fieldSenderModule, string(env.SenderModule))
	b = appendString(b, fieldDestination, env.DestinationAddress)
	if env.ReplyTo != nil {
		b = protowire.AppendTag(b, fieldReplyTo, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(*env.ReplyTo))
	}
	if env.NeedsACK {
		b = appendVarint(b, fieldNeedsACK, protowire.EncodeBool(true))
	}
	b = appendVarint(b, fieldKind, uint64(env.Kind))
	b = appendString(b, fieldType, string(env.Type))
	if env.Session != nil {
		b = protowire.AppendTag(b, fieldSession, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeSession(env.Session))
	}
	b = appendVarint(b, fieldDomainSessionID, protowire.EncodeZigZag(int64(env.DomainSessionID)))
	b = appendVarint(b, fieldTimestamp, protowire.EncodeZigZag(env.Timestamp.UnixMilli()))
	if len(env.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Payload)
	}
	return b, nil
}

// Decode unmarshals the envelope. A failure while reading the payload field
// returns a DecodeError carrying the header read so far.
func (BinaryCodec) Decode(data []byte) (*Envelope, error) {
	env := &Envelope{}
	sawHeader := false
	b := data
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, headerError(protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldPayload {
			if !sawHeader {
				return nil, headerError(errors.New("payload precedes envelope header"))
			}
			if typ != protowire.BytesType {
				return nil, payloadError(env, fmt.Errorf("payload has wire type %d", typ))
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, payloadError(env, protowire.ParseError(n))
			}
			env.Payload = append([]byte(nil), v...)
			b = b[n:]
			continue
		}

		n = decodeHeaderField(env, num, typ, b)
		if n < 0 {
			return nil, headerError(protowire.ParseError(n))
		}
		b = b[n:]
		sawHeader = true
	}

	if !env.Kind.IsValid() {
		return nil, headerError(fmt.Errorf("invalid message kind %d", int(env.Kind)))
	}
	return env, nil
}

func decodeHeaderField(env *Envelope, num protowire.Number, typ protowire.Type, b []byte) int {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return n
		}
		switch num {
		case fieldSequence:
			env.SequenceNumber = protowire.DecodeZigZag(v)
		case fieldSourceEvent:
			env.SourceEventID = protowire.DecodeZigZag(v)
		case fieldReplyTo:
			r := protowire.DecodeZigZag(v)
			env.ReplyTo = &r
		case fieldNeedsACK:
			env.NeedsACK = protowire.DecodeBool(v)
		case fieldKind:
			env.Kind = Kind(v)
		case fieldDomainSessionID:
			env.DomainSessionID = int(protowire.DecodeZigZag(v))
		case fieldTimestamp:
			env.Timestamp = time.UnixMilli(protowire.DecodeZigZag(v))
		}
		return n
	case protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n
		}
		switch num {
		case fieldSenderName:
			env.SenderName = string(v)
		case fieldSenderAddress:
			env.SenderAddress = string(v)
		case fieldSenderModule:
			env.SenderModule = types.ModuleType(v)
		case fieldDestination:
			env.DestinationAddress = string(v)
		case fieldType:
			env.Type = types.MessageType(v)
		case fieldSession:
			s, err := decodeSession(v)
			if err != nil {
				return -1
			}
			env.Session = s
		}
		return n
	default:
		return protowire.ConsumeFieldValue(num, typ, b)
	}
}

func encodeSession(s *types.UserSession) []byte {
	var b []byte
	b = appendVarint(b, sessionUserID, protowire.EncodeZigZag(int64(s.UserID)))
	b = appendString(b, sessionUsername, s.Username)
	b = appendString(b, sessionExperimentID, s.ExperimentID)
	b = appendVarint(b, sessionGlobalUserID, protowire.EncodeZigZag(int64(s.GlobalUserID)))
	return b
}

func decodeSession(b []byte) (*types.UserSession, error) {
	s := &types.UserSession{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case typ == protowire.VarintType && (num == sessionUserID || num == sessionGlobalUserID):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == sessionUserID {
				s.UserID = int(protowire.DecodeZigZag(v))
			} else {
				s.GlobalUserID = int(protowire.DecodeZigZag(v))
			}
			b = b[n:]
		case typ == protowire.BytesType && (num == sessionUsername || num == sessionExperimentID):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == sessionUsername {
				s.Username = string(v)
			} else {
				s.ExperimentID = string(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return s, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}
