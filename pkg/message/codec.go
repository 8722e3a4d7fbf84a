package message

import (
	"fmt"
	"sort"
	"sync"

	"github.com/billm/tutornet/pkg/types"
)

// Codec converts envelopes to and from their wire form.
type Codec interface {
	Name() string
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// DecodeError is returned by Codec.Decode. Partial holds the routing header
// when it could be read before the failure, so the failure can still be
// correlated with the request it answers.
type DecodeError struct {
	Partial *Envelope
	Err     error
}

// Error returns the error message
func (e *DecodeError) Error() string {
	if e.Partial != nil {
		return fmt.Sprintf("failed to decode payload of %s: %v", e.Partial, e.Err)
	}
	return fmt.Sprintf("failed to decode envelope: %v", e.Err)
}

// Unwrap returns the underlying error
func (e *DecodeError) Unwrap() error {
	return e.Err
}

func headerError(cause error) *DecodeError {
	return &DecodeError{Err: types.WrapError(types.ErrCodeDecode, "malformed envelope header", cause)}
}

func payloadError(partial *Envelope, cause error) *DecodeError {
	return &DecodeError{Partial: partial, Err: types.WrapError(types.ErrCodeDecode, "malformed envelope payload", cause)}
}

// Registry maps codec names to codecs.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Codec
}

// NewRegistry returns a registry preloaded with the JSON and binary codecs.
func NewRegistry() *Registry {
	r := &Registry{byName: make(map[string]Codec)}
	r.Register(JSONCodec{})
	r.Register(BinaryCodec{})
	return r
}

// Register adds a codec, replacing any codec with the same name.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[c.Name()] = c
}

// Get returns the codec registered under name.
func (r *Registry) Get(name string) (Codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	if !ok {
		return nil, types.NewError(types.ErrCodeNotFound, fmt.Sprintf("no codec named %q", name))
	}
	return c, nil
}

// Names returns the registered codec names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
