package codec

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/golang/snappy"

	"kite-rpc/rpcerr"
)

// CompressionType identifies a Compressor on the wire.
type CompressionType byte

const (
	CompressionNone   CompressionType = 0
	CompressionGzip   CompressionType = 1
	CompressionSnappy CompressionType = 2
)

// Compressor compresses serialized payloads.
//
// Decompress never produces more than limit bytes; a payload that would
// inflate past it is rejected before the memory is allocated.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, limit int) ([]byte, error)
	Type() CompressionType
	Name() string
}

var compressors = map[CompressionType]Compressor{
	CompressionNone:   noneCompressor{},
	CompressionGzip:   gzipCompressor{},
	CompressionSnappy: snappyCompressor{},
}

// GetCompressor returns the compressor for t. An unknown identifier is a
// protocol error.
func GetCompressor(t CompressionType) (Compressor, error) {
	c, ok := compressors[t]
	if !ok {
		return nil, rpcerr.Errorf("codec.GetCompressor", rpcerr.Protocol, "unsupported compression type: %d", t)
	}
	return c, nil
}

// ParseCompression resolves a configured compressor name.
func ParseCompression(name string) (CompressionType, error) {
	for t, c := range compressors {
		if c.Name() == name {
			return t, nil
		}
	}
	return 0, rpcerr.Errorf("codec.ParseCompression", rpcerr.Invalid, "unknown compression %q", name)
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Type() CompressionType                { return CompressionNone }
func (noneCompressor) Name() string                         { return "none" }

func (noneCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	if len(data) > limit {
		return nil, errTooLarge("none", limit)
	}
	return data, nil
}

func errTooLarge(name string, limit int) error {
	return rpcerr.Errorf("codec.Decompress", rpcerr.Protocol, "%s payload inflates past %d bytes", name, limit)
}

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, errTooLarge("gzip", limit)
	}
	return out, nil
}

func (gzipCompressor) Type() CompressionType { return CompressionGzip }
func (gzipCompressor) Name() string          { return "gzip" }

type snappyCompressor struct{}

func (snappyCompressor) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	n, err := snappy.DecodedLen(data)
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, errTooLarge("snappy", limit)
	}
	return snappy.Decode(nil, data)
}

func (snappyCompressor) Type() CompressionType { return CompressionSnappy }
func (snappyCompressor) Name() string          { return "snappy" }
