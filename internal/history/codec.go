package history

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func initCodec() {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
}

// compressRaw zstd-compresses a raw command. Empty input stays empty.
func compressRaw(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	initCodec()
	if codecErr != nil {
		return nil, fmt.Errorf("create zstd codec: %w", codecErr)
	}
	return encoder.EncodeAll(raw, nil), nil
}

func decompressRaw(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, nil
	}
	initCodec()
	if codecErr != nil {
		return nil, fmt.Errorf("create zstd codec: %w", codecErr)
	}
	out, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress raw command: %w", err)
	}
	return out, nil
}
