package beacon

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// JobSerializer turns typed job configurations into the opaque payload stored
// on a Job and back. The type tag routes a payload to its engine.
type JobSerializer interface {
	Serialize(config any) (payload []byte, typeTag string, err error)
	Deserialize(payload []byte, typeTag string) (any, error)
}

// MsgpackSerializer encodes configurations with msgpack. Each configuration
// type must be registered under its tag first.
type MsgpackSerializer struct {
	mu     sync.RWMutex
	handle *codec.MsgpackHandle
	byTag  map[string]func() any
	byType map[reflect.Type]string
}

var _ JobSerializer = (*MsgpackSerializer)(nil)

func NewMsgpackSerializer() *MsgpackSerializer {
	return &MsgpackSerializer{
		handle: &codec.MsgpackHandle{},
		byTag:  make(map[string]func() any),
		byType: make(map[reflect.Type]string),
	}
}

// Register binds typeTag to the configuration type produced by factory, which
// must return a pointer to a fresh value.
func (s *MsgpackSerializer) Register(typeTag string, factory func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTag[typeTag] = factory
	s.byType[reflect.TypeOf(factory())] = typeTag
}

func (s *MsgpackSerializer) tagFor(config any) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := reflect.TypeOf(config)
	if tag, ok := s.byType[t]; ok {
		return tag, true
	}
	if t != nil && t.Kind() != reflect.Pointer {
		tag, ok := s.byType[reflect.PointerTo(t)]
		return tag, ok
	}
	return "", false
}

func (s *MsgpackSerializer) Serialize(config any) ([]byte, string, error) {
	tag, ok := s.tagFor(config)
	if !ok {
		return nil, "", fmt.Errorf("%w: unregistered configuration type %T", ErrValidation, config)
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, s.handle).Encode(config); err != nil {
		return nil, "", fmt.Errorf("encode %s configuration: %w", tag, err)
	}
	return out, tag, nil
}

func (s *MsgpackSerializer) Deserialize(payload []byte, typeTag string) (any, error) {
	s.mu.RLock()
	factory, ok := s.byTag[typeTag]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown configuration type %q", ErrValidation, typeTag)
	}
	config := factory()
	if len(payload) == 0 {
		return config, nil
	}
	if err := codec.NewDecoderBytes(payload, s.handle).Decode(config); err != nil {
		return nil, fmt.Errorf("decode %s configuration: %w", typeTag, err)
	}
	return config, nil
}
