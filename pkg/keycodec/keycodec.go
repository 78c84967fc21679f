// Package keycodec turns entity identifiers into log record keys.
//
// The encoding decides the partition a key lands on, so it must be stable for
// the lifetime of a topic: same logical id, same bytes. Primitive identifiers
// use fixed encodings; protobuf messages use deterministic marshalling.
package keycodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
)

var (
	ErrMalformedKey       = errors.New("keycodec: malformed key")
	ErrUnsupportedKeyType = errors.New("keycodec: unsupported key type")
)

// Codec encodes and decodes keys of type K. Decode(Encode(k)) == k.
type Codec[K any] interface {
	Encode(key K) ([]byte, error)
	Decode(data []byte) (K, error)
}

// For resolves the codec for K. It is meant to be called once per
// registration, not per message.
func For[K any]() (Codec[K], error) {
	var zero K
	switch any(zero).(type) {
	case string:
		return any(stringCodec{}).(Codec[K]), nil
	case int32:
		return any(int32Codec{}).(Codec[K]), nil
	case int64:
		return any(int64Codec{}).(Codec[K]), nil
	case uuid.UUID:
		return any(uuidCodec{}).(Codec[K]), nil
	}

	if m, ok := any(zero).(proto.Message); ok {
		prototype := m.ProtoReflect()
		return protoCodec[K]{
			newKey: func() K { return prototype.New().Interface().(K) },
		}, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKeyType, reflect.TypeFor[K]())
}

// MustFor is For for package-level codec variables.
func MustFor[K any]() Codec[K] {
	c, err := For[K]()
	if err != nil {
		panic(err)
	}
	return c
}

type stringCodec struct{}

func (stringCodec) Encode(key string) ([]byte, error) {
	return []byte(key), nil
}

func (stringCodec) Decode(data []byte) (string, error) {
	return string(data), nil
}

type int32Codec struct{}

func (int32Codec) Encode(key int32) ([]byte, error) {
	return binary.BigEndian.AppendUint32(nil, uint32(key)), nil
}

func (int32Codec) Decode(data []byte) (int32, error) {
	if len(data) != 4 {
		return 0, fmt.Errorf("%w: int32 key has %d bytes", ErrMalformedKey, len(data))
	}
	return int32(binary.BigEndian.Uint32(data)), nil
}

type int64Codec struct{}

func (int64Codec) Encode(key int64) ([]byte, error) {
	return binary.BigEndian.AppendUint64(nil, uint64(key)), nil
}

func (int64Codec) Decode(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: int64 key has %d bytes", ErrMalformedKey, len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

type uuidCodec struct{}

func (uuidCodec) Encode(key uuid.UUID) ([]byte, error) {
	return key[:], nil
}

func (uuidCodec) Decode(data []byte) (uuid.UUID, error) {
	id, err := uuid.FromBytes(data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	return id, nil
}

type protoCodec[K any] struct {
	newKey func() K
}

func (c protoCodec[K]) Encode(key K) ([]byte, error) {
	m, ok := any(key).(proto.Message)
	if !ok || !m.ProtoReflect().IsValid() {
		return nil, fmt.Errorf("%w: nil %T", ErrMalformedKey, key)
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (c protoCodec[K]) Decode(data []byte) (K, error) {
	key := c.newKey()
	if err := proto.Unmarshal(data, any(key).(proto.Message)); err != nil {
		var zero K
		return zero, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	return key, nil
}
