package codec

import (
	"errors"
	"fmt"

	"clusterd/internal/transport"
)

var (
	// ErrMalformed is returned when bytes cannot be decoded into a valid
	// message.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownCodec is returned by ByName.
	ErrUnknownCodec = errors.New("unknown codec")
)

// Codec converts protocol messages to and from bytes.
type Codec interface {
	Name() string
	Encode(msg transport.Message) ([]byte, error)
	// Decode returns ErrMalformed (possibly wrapping a more specific
	// error) for bytes that are not a valid message.
	Decode(data []byte) (transport.Message, error)
}

// ByName returns "proto" or "cbor", optionally wrapped with LZ4
// compression.
func ByName(name string, compress bool) (Codec, error) {
	var c Codec
	switch name {
	case "", "proto":
		c = Proto{}
	case "cbor":
		c = CBOR{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	if compress {
		c = &LZ4{Codec: c}
	}
	return c, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
