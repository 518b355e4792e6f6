// Package message defines the frames exchanged by framectl.
package message

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/Zereker/framing"
)

// Kind identifies a frame variant.
type Kind uint8

const (
	KindVersion Kind = iota + 1
	KindMessage
	KindBye
)

func (k Kind) String() string {
	switch k {
	case KindVersion:
		return "version"
	case KindMessage:
		return "message"
	case KindBye:
		return "bye"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ErrUnknownKind is returned by Validate for frames of an unknown kind.
var ErrUnknownKind = errors.New("unknown frame kind")

// Frame is one framectl message. Only the field matching Kind is meaningful.
type Frame struct {
	Kind    Kind   `cbor:"1,keyasint"`
	Version uint32 `cbor:"2,keyasint,omitempty"`
	Text    string `cbor:"3,keyasint,omitempty"`
}

// Version announces the sender's protocol version.
func Version(v uint32) Frame {
	return Frame{Kind: KindVersion, Version: v}
}

// Text carries a chat line.
func Text(s string) Frame {
	return Frame{Kind: KindMessage, Text: s}
}

// Bye asks the peer to close the connection.
func Bye() Frame {
	return Frame{Kind: KindBye}
}

// Validate reports whether f is a known, well-formed frame.
func (f Frame) Validate() error {
	switch f.Kind {
	case KindVersion, KindMessage, KindBye:
		return nil
	default:
		return errors.Wrapf(ErrUnknownKind, "%d", uint8(f.Kind))
	}
}

func (f Frame) String() string {
	switch f.Kind {
	case KindVersion:
		return fmt.Sprintf("version %d", f.Version)
	case KindMessage:
		return fmt.Sprintf("message %q", f.Text)
	default:
		return f.Kind.String()
	}
}

// Serializer names accepted by NewSerializer.
const (
	SerializerCBOR = "cbor"
	SerializerGob  = "gob"
)

// NewSerializer returns the payload serializer registered under name.
func NewSerializer(name string) (framing.Serializer[Frame], error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SerializerCBOR:
		s, err := framing.NewCBORSerializer[Frame]()
		if err != nil {
			return nil, err
		}
		return s, nil
	case SerializerGob:
		return framing.GobSerializer[Frame]{}, nil
	default:
		return nil, errors.Errorf("unknown serializer %q", name)
	}
}
