package zarr

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"lsdtrain/pkg/contract"
)

type codec interface {
	encode(src []byte) ([]byte, error)
	decode(src []byte) ([]byte, error)
}

func codecFor(c *Compressor) (codec, error) {
	if c == nil {
		return rawCodec{}, nil
	}
	switch c.ID {
	case "", "raw":
		return rawCodec{}, nil
	case "zstd":
		return zstdCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: compressor %q unsupported", contract.ErrConfig, c.ID)
	}
}

type rawCodec struct{}

func (rawCodec) encode(src []byte) ([]byte, error) { return src, nil }
func (rawCodec) decode(src []byte) ([]byte, error) { return src, nil }

// 编解码器并发安全（EncodeAll/DecodeAll），进程内共享一份。
var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdInit() error {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil)
	})
	return zstdErr
}

type zstdCodec struct{}

func (zstdCodec) encode(src []byte) ([]byte, error) {
	if err := zstdInit(); err != nil {
		return nil, err
	}
	return zstdEnc.EncodeAll(src, make([]byte, 0, len(src)/2)), nil
}

func (zstdCodec) decode(src []byte) ([]byte, error) {
	if err := zstdInit(); err != nil {
		return nil, err
	}
	out, err := zstdDec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd chunk: %v", contract.ErrInvalidInput, err)
	}
	return out, nil
}
