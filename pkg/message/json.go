package message

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/billm/tutornet/pkg/types"
)

// JSONCodec encodes envelopes as JSON objects with a base64 payload.
type JSONCodec struct{}

type jsonEnvelope struct {
	SequenceNumber     int64              `json:"seq"`
	SourceEventID      int64              `json:"source_event_id"`
	SenderName         string             `json:"sender_name,omitempty"`
	SenderAddress      string             `json:"sender_address"`
	SenderModule       types.ModuleType   `json:"sender_module"`
	DestinationAddress string             `json:"destination,omitempty"`
	ReplyTo            *int64             `json:"reply_to,omitempty"`
	NeedsACK           bool               `json:"needs_ack,omitempty"`
	Kind               Kind               `json:"kind"`
	Type               types.MessageType  `json:"type"`
	Session            *types.UserSession `json:"session,omitempty"`
	DomainSessionID    int                `json:"domain_session_id,omitempty"`
	Timestamp          int64              `json:"timestamp_ms"`
	Payload            string             `json:"payload,omitempty"`
}

// Name returns the codec name
func (JSONCodec) Name() string { return "json" }

// Encode marshals the envelope
func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	wire := jsonEnvelope{
		SequenceNumber:     env.SequenceNumber,
		SourceEventID:      env.SourceEventID,
		SenderName:         env.SenderName,
		SenderAddress:      env.SenderAddress,
		SenderModule:       env.SenderModule,
		DestinationAddress: env.DestinationAddress,
		ReplyTo:            env.ReplyTo,
		NeedsACK:           env.NeedsACK,
		Kind:               env.Kind,
		Type:               env.Type,
		Session:            env.Session,
		DomainSessionID:    env.DomainSessionID,
		Timestamp:          env.Timestamp.UnixMilli(),
		Payload:            base64.StdEncoding.EncodeToString(env.Payload),
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInvalidArgument, "failed to encode envelope", err)
	}
	return data, nil
}

// Decode unmarshals the header first and the payload second so that a bad
// payload still yields a partial envelope.
func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	var wire jsonEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, headerError(err)
	}

	env := &Envelope{
		SequenceNumber:     wire.SequenceNumber,
		SourceEventID:      wire.SourceEventID,
		SenderName:         wire.SenderName,
		SenderAddress:      wire.SenderAddress,
		SenderModule:       wire.SenderModule,
		DestinationAddress: wire.DestinationAddress,
		ReplyTo:            wire.ReplyTo,
		NeedsACK:           wire.NeedsACK,
		Kind:               wire.Kind,
		Type:               wire.Type,
		Session:            wire.Session,
		DomainSessionID:    wire.DomainSessionID,
		Timestamp:          time.UnixMilli(wire.Timestamp),
	}

	if wire.Payload != "" {
		payload, err := base64.StdEncoding.DecodeString(wire.Payload)
		if err != nil {
			return nil, payloadError(env, err)
		}
		env.Payload = payload
	}
	return env, nil
}
