package filter

import (
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd compresses outgoing buffers and decompresses incoming ones.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd returns a compression filter. EncodeAll and DecodeAll are safe for
// concurrent use, so one instance serves every call of a client or server.
func NewZstd(level zstd.EncoderLevel) (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

func (z *Zstd) Output(_ context.Context, data []byte) ([]byte, error) {
	return z.enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

func (z *Zstd) Input(_ context.Context, data []byte) ([]byte, error) {
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd filter: %w", err)
	}
	return out, nil
}
