package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/bkaradzic/go-lz4"

	"clusterd/internal/transport"
)

// MaxFrameSize bounds the decompressed size of one message.
const MaxFrameSize = 16 << 20

// LZ4 wraps a concrete codec with LZ4 block compression.
type LZ4 struct {
	Codec // The concrete codec to use
}

// Name implements Codec.
func (c *LZ4) Name() string {
	return c.Codec.Name() + "+lz4"
}

// Encode implements Codec.
func (c *LZ4) Encode(msg transport.Message) ([]byte, error) {
	raw, err := c.Codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	data, err := lz4.Encode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("lz4 encode: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (c *LZ4) Decode(data []byte) (transport.Message, error) {
	// The block starts with the little-endian uncompressed length.
	if len(data) < 4 || binary.LittleEndian.Uint32(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: lz4: bad frame header", ErrMalformed)
	}
	raw, err := lz4.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4: %v", ErrMalformed, err)
	}
	return c.Codec.Decode(raw)
}
