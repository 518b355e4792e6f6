package framing

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of the little-endian length prefix.
	HeaderSize = 4
	// MaxFrameSize is the largest payload a frame may carry.
	MaxFrameSize = 8196 * 1024
)

// Codec converts values of type T to and from length-prefixed frames:
//
//	[0..4)   payload length L, uint32 little-endian
//	[4..4+L) payload produced by the Serializer
//
// A Codec keeps no state between calls and may be shared by any number of
// connections.
type Codec[T any] struct {
	serializer Serializer[T]
	maxSize    int
}

// CodecOption configures a Codec.
type CodecOption func(*codecOptions)

type codecOptions struct {
	maxSize int
}

// CodecMaxSize lowers the payload limit. Values outside (0, MaxFrameSize]
// leave the limit at MaxFrameSize.
func CodecMaxSize(size int) CodecOption {
	return func(o *codecOptions) {
		o.maxSize = size
	}
}

// NewCodec returns a Codec that serializes payloads with s.
func NewCodec[T any](s Serializer[T], opts ...CodecOption) *Codec[T] {
	o := codecOptions{maxSize: MaxFrameSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxSize <= 0 || o.maxSize > MaxFrameSize {
		o.maxSize = MaxFrameSize
	}
	return &Codec[T]{serializer: s, maxSize: o.maxSize}
}

// MaxSize returns the largest payload the codec accepts.
func (c *Codec[T]) MaxSize() int {
	return c.maxSize
}

// Encode returns the frame for v: the length prefix followed by the payload.
// Nothing is returned when the payload cannot be produced or is too large.
func (c *Codec[T]) Encode(v T) ([]byte, error) {
	return c.AppendFrame(nil, v)
}

// AppendFrame appends the frame for v to dst. On error dst is returned as is,
// so the caller never transmits a partial frame.
func (c *Codec[T]) AppendFrame(dst []byte, v T) ([]byte, error) {
	payload, err := c.marshal(v)
	if err != nil {
		return dst, errors.Wrap(&wrapError{sentinel: ErrSerialization, cause: err}, "encode frame")
	}
	if len(payload) > c.maxSize {
		return dst, errors.Wrapf(ErrOversizeFrame, "encode frame: payload length %d exceeds %d", len(payload), c.maxSize)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// Decode tries to take one frame from the front of buf.
//
// It returns ok=false with a nil error when buf does not yet hold a complete
// frame; buf is then left untouched apart from a capacity hint for the
// missing bytes. On success exactly HeaderSize+L bytes are consumed. An
// oversize prefix or a payload that fails to deserialize is reported as an
// error; both are fatal and the buffer must not be decoded again.
func (c *Codec[T]) Decode(buf *bytes.Buffer) (v T, ok bool, err error) {
	length, ok := PeekLength(buf.Bytes())
	if !ok {
		return v, false, nil
	}
	if int64(length) > int64(c.maxSize) {
		return v, false, errors.Wrapf(ErrOversizeFrame, "declared length %d exceeds %d", length, c.maxSize)
	}

	total := HeaderSize + int(length)
	if buf.Len() < total {
		buf.Grow(total - buf.Len())
		return v, false, nil
	}

	// The buffer is reused by later reads; the serializer gets its own copy.
	v, err = c.unmarshal(bytes.Clone(buf.Bytes()[HeaderSize:total]))
	if err != nil {
		return v, false, errors.Wrapf(&wrapError{sentinel: ErrMalformedPayload, cause: err}, "payload of %d bytes", length)
	}
	buf.Next(total)
	return v, true, nil
}

// PeekLength returns the declared payload length at the front of b, or false
// when b is shorter than the prefix.
func PeekLength(b []byte) (uint32, bool) {
	if len(b) < HeaderSize {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

func (c *Codec[T]) marshal(v T) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("serializer panic: %v", r)
		}
	}()
	return c.serializer.Marshal(v)
}

func (c *Codec[T]) unmarshal(data []byte) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("serializer panic: %v", r)
		}
	}()
	return c.serializer.Unmarshal(data)
}
