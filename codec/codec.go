// Package codec provides the pluggable serialization and compression of
// frame payloads.
//
// A Request or Response is first serialized (gob or JSON) and then
// compressed (none, gzip or snappy). Both steps are identified on the wire
// by one byte in the frame header, so the receiver decodes with whatever
// the sender chose.
package codec

import (
	"kite-rpc/rpcerr"
)

// SerializationType identifies a Serializer on the wire.
type SerializationType byte

const (
	SerializationGob  SerializationType = 1
	SerializationJSON SerializationType = 2
)

// Serializer turns a value into bytes and back.
type Serializer interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() SerializationType
	Name() string
}

var serializers = map[SerializationType]Serializer{
	SerializationGob:  &GobCodec{},
	SerializationJSON: &JSONCodec{},
}

// GetSerializer returns the serializer for t. An unknown identifier is a
// protocol error: the peer speaks a format we cannot read.
func GetSerializer(t SerializationType) (Serializer, error) {
	s, ok := serializers[t]
	if !ok {
		return nil, rpcerr.Errorf("codec.GetSerializer", rpcerr.Protocol, "unsupported serialization type: %d", t)
	}
	return s, nil
}

// ParseSerialization resolves a configured serializer name.
func ParseSerialization(name string) (SerializationType, error) {
	for t, s := range serializers {
		if s.Name() == name {
			return t, nil
		}
	}
	return 0, rpcerr.Errorf("codec.ParseSerialization", rpcerr.Invalid, "unknown serialization %q", name)
}

// EncodeBody serializes v and compresses the result.
func EncodeBody(st SerializationType, ct CompressionType, v any) ([]byte, error) {
	s, err := GetSerializer(st)
	if err != nil {
		return nil, err
	}
	c, err := GetCompressor(ct)
	if err != nil {
		return nil, err
	}
	data, err := s.Encode(v)
	if err != nil {
		return nil, rpcerr.E("codec.EncodeBody", err)
	}
	return c.Compress(data)
}

// DefaultMaxBodySize bounds a decompressed body when the caller passes no
// limit. It matches the default frame size limit.
const DefaultMaxBodySize = 8 << 20

// DecodeBody decompresses data and deserializes it into v. The
// decompressed body may not exceed maxSize bytes (DefaultMaxBodySize when
// maxSize <= 0). Corrupt or oversized input is reported as a protocol error.
func DecodeBody(st SerializationType, ct CompressionType, data []byte, maxSize int, v any) error {
	s, err := GetSerializer(st)
	if err != nil {
		return err
	}
	c, err := GetCompressor(ct)
	if err != nil {
		return err
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBodySize
	}
	raw, err := c.Decompress(data, maxSize)
	if err != nil {
		if rpcerr.Is(rpcerr.Protocol, err) {
			return err
		}
		return rpcerr.E("codec.DecodeBody", rpcerr.Protocol, err)
	}
	if err := s.Decode(raw, v); err != nil {
		return rpcerr.E("codec.DecodeBody", rpcerr.Protocol, err)
	}
	return nil
}
