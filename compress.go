package rpchub

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// frame codecs, sent as the byte after the frame length.
const (
	codecNone byte = 0
	codecZstd byte = 1
	codecLz4  byte = 2
)

// frames shorter than this go out uncompressed.
const minCompressFrame = 256

// frameCompressor compresses outgoing frames with one codec,
// and decompresses incoming frames of any codec, so the two
// ends of a connection may choose differently.
// It is safe for concurrent use.
type frameCompressor struct {
	codec byte

	// encoder and decoder default to GOMAXPROCS; the nil
	// argument means we only do []byte EncodeAll/DecodeAll.
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

func newFrameCompressor(name string) (*frameCompressor, error) {
	fc := &frameCompressor{}
	switch name {
	case "", "none":
		fc.codec = codecNone
	case "zstd":
		fc.codec = codecZstd
	case "lz4":
		fc.codec = codecLz4
	default:
		return nil, fmt.Errorf("rpchub: unknown compression %q; want zstd, lz4 or none", name)
	}
	var err error
	if fc.codec == codecZstd {
		fc.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
	}
	fc.zdec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return fc, nil
}

// Close releases held resources, important for cleanup.
func (fc *frameCompressor) Close() {
	if fc.zenc != nil {
		fc.zenc.Close()
	}
	fc.zdec.Close()
}

func (fc *frameCompressor) compress(src []byte) (codec byte, out []byte, err error) {
	if len(src) < minCompressFrame {
		return codecNone, src, nil
	}
	switch fc.codec {
	case codecZstd:
		return codecZstd, fc.zenc.EncodeAll(src, nil), nil
	case codecLz4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err = w.Write(src); err != nil {
			return
		}
		if err = w.Close(); err != nil {
			return
		}
		return codecLz4, buf.Bytes(), nil
	}
	return codecNone, src, nil
}

// decompress refuses output larger than max.
func (fc *frameCompressor) decompress(codec byte, src []byte, max int) ([]byte, error) {
	switch codec {
	case codecNone:
		return src, nil
	case codecZstd:
		// stream through a limit, so a small frame cannot
		// inflate past max before we look at it.
		if err := fc.zdec.Reset(bytes.NewReader(src)); err != nil {
			return nil, err
		}
		out, err := io.ReadAll(io.LimitReader(fc.zdec, int64(max)+1))
		if err != nil {
			return nil, err
		}
		if len(out) > max {
			return nil, fmt.Errorf("decompressed frame is over the %v limit", max)
		}
		return out, nil
	case codecLz4:
		r := lz4.NewReader(bytes.NewReader(src))
		out, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
		if err != nil {
			return nil, err
		}
		if len(out) > max {
			return nil, fmt.Errorf("decompressed frame is over the %v limit", max)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown frame codec %v", codec)
}
