package codec

import (
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Pros: human-readable, cross-language, easy to debug.
// Cons: numbers inside interface values come back as float64 and structs as
// maps, so the receiver relies on Coerce to recover declared types.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() SerializationType {
	return SerializationJSON
}

func (c *JSONCodec) Name() string {
	return "json"
}
