package codec

import (
	"bytes"
	"encoding/gob"
)

// GobCodec serializes the full object graph with encoding/gob, keeping the
// concrete types of values carried in interface fields. It is the default.
//
// Concrete types other than Go's basic types must be registered with
// RegisterType on both sides before they travel inside Params or Data.
type GobCodec struct{}

func (c *GobCodec) Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (c *GobCodec) Type() SerializationType {
	return SerializationGob
}

func (c *GobCodec) Name() string {
	return "gob"
}

// RegisterType records the concrete type of v so it can be carried inside
// an interface value. It must be called identically on client and server.
func RegisterType(v any) {
	gob.Register(v)
}
