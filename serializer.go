package framing

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
)

// Serializer converts frame values of type T to and from their payload bytes.
// Implementations must be deterministic and symmetric, and must report
// malformed input as an error instead of panicking.
//
// The serializer only produces the payload; the 4-byte length prefix is
// added and removed by Codec.
type Serializer[T any] interface {
	// Marshal encodes v into a new byte slice.
	Marshal(v T) ([]byte, error)
	// Unmarshal decodes one value from data, which holds exactly one payload.
	Unmarshal(data []byte) (T, error)
}

// GobSerializer encodes frames with encoding/gob. Each payload carries its
// own type description, so frames are self-contained.
type GobSerializer[T any] struct{}

func (GobSerializer[T]) Marshal(v T) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobSerializer[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

// CBORSerializer encodes frames as CBOR (RFC 8949) using core deterministic
// encoding, so equal values always produce equal payloads.
type CBORSerializer[T any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBORSerializer builds a CBORSerializer with canonical encoding and
// decoding limits suited to untrusted input.
func NewCBORSerializer[T any]() (*CBORSerializer[T], error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor encode mode")
	}
	dec, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor decode mode")
	}
	return &CBORSerializer[T]{enc: enc, dec: dec}, nil
}

func (s *CBORSerializer[T]) Marshal(v T) ([]byte, error) {
	return s.enc.Marshal(v)
}

func (s *CBORSerializer[T]) Unmarshal(data []byte) (T, error) {
	var v T
	err := s.dec.Unmarshal(data, &v)
	return v, err
}

// ProtoSerializer encodes protobuf messages. New allocates an empty message
// for every Unmarshal call.
type ProtoSerializer[T proto.Message] struct {
	New func() T
}

// NewProtoSerializer returns a ProtoSerializer that allocates messages with newFn.
func NewProtoSerializer[T proto.Message](newFn func() T) *ProtoSerializer[T] {
	return &ProtoSerializer[T]{New: newFn}
}

func (s *ProtoSerializer[T]) Marshal(v T) ([]byte, error) {
	return proto.MarshalOptions{Deterministic: true}.Marshal(v)
}

func (s *ProtoSerializer[T]) Unmarshal(data []byte) (T, error) {
	m := s.New()
	if err := proto.Unmarshal(data, m); err != nil {
		var zero T
		return zero, err
	}
	return m, nil
}

// StringSerializer encodes a string as a 4-byte little-endian length followed
// by its UTF-8 bytes. "hello" becomes 9 bytes.
type StringSerializer struct{}

var errStringLength = errors.New("string length does not match payload")

func (StringSerializer) Marshal(v string) ([]byte, error) {
	if !utf8.ValidString(v) {
		return nil, errors.New("string is not valid UTF-8")
	}
	out := make([]byte, 4+len(v))
	binary.LittleEndian.PutUint32(out, uint32(len(v)))
	copy(out[4:], v)
	return out, nil
}

func (StringSerializer) Unmarshal(data []byte) (string, error) {
	if len(data) < 4 {
		return "", errStringLength
	}
	n := binary.LittleEndian.Uint32(data)
	if uint64(n) != uint64(len(data)-4) {
		return "", errors.Wrapf(errStringLength, "declared %d, have %d", n, len(data)-4)
	}
	if !utf8.Valid(data[4:]) {
		return "", errors.New("string is not valid UTF-8")
	}
	return string(data[4:]), nil
}
