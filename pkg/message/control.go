package message

import (
	"time"

	"github.com/billm/tutornet/pkg/types"
)

// NACK reason codes
const (
	NACKMalformedData   = "MALFORMED_DATA"
	NACKOperationFailed = "OPERATION_FAILED"
	NACKUnsupported     = "UNSUPPORTED"
)

// NACKPayload explains why a message was rejected.
type NACKPayload struct {
	Code   string `json:"code" cbor:"1,keyasint"`
	Reason string `json:"reason" cbor:"2,keyasint"`
}

// ModuleStatusPayload is the heartbeat a module broadcasts on its discovery topic.
type ModuleStatusPayload struct {
	ModuleType   types.ModuleType `json:"module_type" cbor:"1,keyasint"`
	ModuleName   string           `json:"module_name" cbor:"2,keyasint"`
	Address      string           `json:"address" cbor:"3,keyasint"`
	TopicAddress string           `json:"topic_address,omitempty" cbor:"4,keyasint,omitempty"`
}

// Descriptor converts the heartbeat into a peer descriptor seen at the given time.
func (p ModuleStatusPayload) Descriptor(seen time.Time) types.PeerDescriptor {
	return types.PeerDescriptor{
		ModuleType:   p.ModuleType,
		ModuleName:   p.ModuleName,
		Address:      p.Address,
		TopicAddress: p.TopicAddress,
		LastSeen:     seen,
	}
}

// StatusPayload converts a descriptor back into its heartbeat form.
func StatusPayload(p types.PeerDescriptor) ModuleStatusPayload {
	return ModuleStatusPayload{
		ModuleType:   p.ModuleType,
		ModuleName:   p.ModuleName,
		Address:      p.Address,
		TopicAddress: p.TopicAddress,
	}
}

// AllocationRequest asks a module to serve a user session. It carries the
// modules the requestor already holds for that session so the allocated module
// can join them.
type AllocationRequest struct {
	Requestor ModuleStatusPayload                      `json:"requestor" cbor:"1,keyasint"`
	Allocated map[types.ModuleType]ModuleStatusPayload `json:"allocated,omitempty" cbor:"2,keyasint,omitempty"`
}

// AllocationReply answers an AllocationRequest. Denied replies carry the
// reason the module refused.
type AllocationReply struct {
	Denied         bool   `json:"denied,omitempty" cbor:"1,keyasint,omitempty"`
	Reason         string `json:"reason,omitempty" cbor:"2,keyasint,omitempty"`
	AdditionalInfo string `json:"additional_info,omitempty" cbor:"3,keyasint,omitempty"`
}

// ACK acknowledges delivery of original.
func (s Sender) ACK(original *Envelope) *Envelope {
	return s.Reply(original, types.MessageACK, nil)
}

// ProcessedACK tells the sender of original that it was handled.
func (s Sender) ProcessedACK(original *Envelope) *Envelope {
	return s.Reply(original, types.MessageProcessedACK, nil)
}

// NACK rejects original because it could not be read.
func (s Sender) NACK(original *Envelope, pc PayloadCodec, code, reason string) (*Envelope, error) {
	return s.negative(original, types.MessageNACK, pc, code, reason)
}

// ProcessedNACK tells the sender of original that handling it failed.
func (s Sender) ProcessedNACK(original *Envelope, pc PayloadCodec, code, reason string) (*Envelope, error) {
	return s.negative(original, types.MessageProcessedNACK, pc, code, reason)
}

func (s Sender) negative(original *Envelope, t types.MessageType, pc PayloadCodec, code, reason string) (*Envelope, error) {
	payload, err := pc.Marshal(NACKPayload{Code: code, Reason: reason})
	if err != nil {
		return nil, types.WrapError(types.ErrCodeInternal, "failed to encode "+string(t)+" payload", err)
	}
	return s.Reply(original, t, payload), nil
}

// ReadNACK decodes the reason carried by a NACK or processed NACK.
func ReadNACK(pc PayloadCodec, env *Envelope) (NACKPayload, error) {
	var p NACKPayload
	if len(env.Payload) == 0 {
		return p, nil
	}
	if err := pc.Unmarshal(env.Payload, &p); err != nil {
		return p, types.WrapError(types.ErrCodeDecode, "malformed NACK payload", err)
	}
	return p, nil
}
