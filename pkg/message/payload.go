package message

import (
	"encoding/json"

	cbor "github.com/fxamacker/cbor/v2"
)

// PayloadCodec marshals the typed payloads carried inside envelopes.
type PayloadCodec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborPayloadCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// CBOR returns a deterministic CBOR payload codec.
func CBOR() (PayloadCodec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborPayloadCodec{enc: em, dec: dm}, nil
}

func (c cborPayloadCodec) ContentType() string { return "application/cbor" }
func (c cborPayloadCodec) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }
func (c cborPayloadCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

type jsonPayloadCodec struct{}

// JSON returns a JSON payload codec.
func JSON() PayloadCodec { return jsonPayloadCodec{} }

func (jsonPayloadCodec) ContentType() string { return "application/json" }
func (jsonPayloadCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonPayloadCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// PayloadCodecFor returns the payload codec for a content type name
// ("cbor" or "json").
func PayloadCodecFor(name string) (PayloadCodec, error) {
	switch name {
	case "json", "application/json":
		return JSON(), nil
	default:
		return CBOR()
	}
}
