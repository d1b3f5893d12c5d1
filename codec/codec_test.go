package codec

import (
	"bytes"
	"reflect"
	"testing"

	"kite-rpc/message"
	"kite-rpc/protocol"
	"kite-rpc/rpcerr"
)

type Hello struct {
	Message     string
	Description string
}

func init() {
	RegisterType(Hello{})
}

func compressionTypes() []CompressionType {
	return []CompressionType{CompressionNone, CompressionGzip, CompressionSnappy}
}

// roundTrip frames v exactly like the transports do, feeds it through a
// Decoder and deserializes it into out.
func roundTrip(t *testing.T, st SerializationType, ct CompressionType, v, out any) {
	t.Helper()
	body, err := EncodeBody(st, ct, v)
	if err != nil {
		t.Fatalf("EncodeBody failed: %v", err)
	}
	raw, err := protocol.Marshal(&protocol.Frame{
		Type:          protocol.MsgTypeRequest,
		Serialization: byte(st),
		Compression:   byte(ct),
		RequestID:     "r1",
		Payload:       body,
	})
	if err != nil {
		t.Fatal(err)
	}
	frames, err := protocol.NewDecoder(0).Feed(raw)
	if err != nil || len(frames) != 1 {
		t.Fatalf("decoder returned %d frames, err %v", len(frames), err)
	}
	f := frames[0]
	if err := DecodeBody(SerializationType(f.Serialization), CompressionType(f.Compression), f.Payload, 0, out); err != nil {
		t.Fatalf("DecodeBody failed: %v", err)
	}
}

func TestGobRequestRoundTrip(t *testing.T) {
	req := message.NewRequest("Greet", "Hello",
		[]interface{}{"hi", 3, Hello{Message: "m", Description: "d"}}, nil, "v1", "g1")

	for _, ct := range compressionTypes() {
		var decoded message.Request
		roundTrip(t, SerializationGob, ct, req, &decoded)
		if !reflect.DeepEqual(&decoded, req) {
			t.Fatalf("compression %d: got %+v, want %+v", ct, decoded, *req)
		}
	}
}

func TestJSONRequestRoundTrip(t *testing.T) {
	req := message.NewRequest("Greet", "Hello", []interface{}{"hi", "there"}, nil, "v1", "g1")

	for _, ct := range compressionTypes() {
		var decoded message.Request
		roundTrip(t, SerializationJSON, ct, req, &decoded)
		if !reflect.DeepEqual(&decoded, req) {
			t.Fatalf("compression %d: got %+v, want %+v", ct, decoded, *req)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := message.Succeed("r1", "Hello hi")
	var decoded message.Response
	roundTrip(t, SerializationGob, CompressionGzip, resp, &decoded)
	if !reflect.DeepEqual(&decoded, resp) {
		t.Fatalf("got %+v, want %+v", decoded, *resp)
	}

	failed := message.Fail("r2", "method not found")
	var decodedFail message.Response
	roundTrip(t, SerializationJSON, CompressionNone, failed, &decodedFail)
	if decodedFail.OK() || decodedFail.Message != "method not found" {
		t.Fatalf("unexpected response %+v", decodedFail)
	}
}

func TestUnknownIdentifiers(t *testing.T) {
	if _, err := GetSerializer(99); !rpcerr.Is(rpcerr.Protocol, err) {
		t.Fatalf("expect protocol error, got %v", err)
	}
	if _, err := GetCompressor(99); !rpcerr.Is(rpcerr.Protocol, err) {
		t.Fatalf("expect protocol error, got %v", err)
	}
	var out message.Request
	if err := DecodeBody(SerializationGob, 42, []byte("x"), 0, &out); !rpcerr.Is(rpcerr.Protocol, err) {
		t.Fatalf("expect protocol error, got %v", err)
	}
	if err := DecodeBody(SerializationGob, CompressionGzip, []byte("not gzip"), 0, &out); !rpcerr.Is(rpcerr.Protocol, err) {
		t.Fatalf("expect protocol error for corrupt payload, got %v", err)
	}
}

func TestParseNames(t *testing.T) {
	st, err := ParseSerialization("json")
	if err != nil || st != SerializationJSON {
		t.Fatalf("got %d, %v", st, err)
	}
	ct, err := ParseCompression("snappy")
	if err != nil || ct != CompressionSnappy {
		t.Fatalf("got %d, %v", ct, err)
	}
	if _, err := ParseCompression("lz4"); !rpcerr.Is(rpcerr.Invalid, err) {
		t.Fatalf("expect invalid, got %v", err)
	}
}

func TestGzipShrinksRepetitivePayload(t *testing.T) {
	data := bytes.Repeat([]byte("kite-rpc "), 1000)
	c, _ := GetCompressor(CompressionGzip)
	out, err := c.Compress(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) >= len(data) {
		t.Fatalf("gzip did not compress: %d >= %d", len(out), len(data))
	}
	back, err := c.Decompress(out, len(data))
	if err != nil || !bytes.Equal(back, data) {
		t.Fatalf("gzip round trip failed: %v", err)
	}
}

func TestCoerce(t *testing.T) {
	intType := reflect.TypeOf(0)

	v, err := Coerce(float64(3), intType)
	if err != nil || v.Interface() != 3 {
		t.Fatalf("float64 → int: got %v, %v", v, err)
	}
	if _, err := Coerce(3.5, intType); !rpcerr.Is(rpcerr.Invalid, err) {
		t.Fatalf("expect lossy conversion to fail, got %v", err)
	}
	if _, err := Coerce("three", intType); !rpcerr.Is(rpcerr.Invalid, err) {
		t.Fatalf("expect string → int to fail, got %v", err)
	}

	m := map[string]interface{}{"Message": "m", "Description": "d"}
	v, err = Coerce(m, reflect.TypeOf(Hello{}))
	if err != nil || v.Interface() != (Hello{Message: "m", Description: "d"}) {
		t.Fatalf("map → struct: got %v, %v", v, err)
	}

	v, err = Coerce(Hello{Message: "x"}, reflect.TypeOf(&Hello{}))
	if err != nil || v.Interface().(*Hello).Message != "x" {
		t.Fatalf("struct → pointer: got %v, %v", v, err)
	}

	v, err = Coerce(nil, reflect.TypeOf(&Hello{}))
	if err != nil || !v.IsNil() {
		t.Fatalf("nil → pointer: got %v, %v", v, err)
	}
	if _, err := Coerce(nil, intType); err == nil {
		t.Fatal("expect nil → int to fail")
	}

	anyType := reflect.TypeOf((*interface{})(nil)).Elem()
	v, err = Coerce("s", anyType)
	if err != nil || v.Type() != anyType || v.Interface() != "s" {
		t.Fatalf("string → interface: got %v, %v", v, err)
	}
}

func TestDecompressLimit(t *testing.T) {
	data := make([]byte, 1<<20)
	const limit = 64 << 10
	for _, ct := range []CompressionType{CompressionNone, CompressionGzip, CompressionSnappy} {
		c, _ := GetCompressor(ct)
		out, err := c.Compress(data)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Decompress(out, limit); !rpcerr.Is(rpcerr.Protocol, err) {
			t.Fatalf("%s: expect protocol error past %d bytes, got %v", c.Name(), limit, err)
		}
		back, err := c.Decompress(out, len(data))
		if err != nil || len(back) != len(data) {
			t.Fatalf("%s: payload at the limit rejected: %v", c.Name(), err)
		}
	}
}

func TestSnappyDeclaredLengthChecked(t *testing.T) {
	// A snappy block whose header alone claims 1 GiB.
	bomb := []byte{0x80, 0x80, 0x80, 0x80, 0x04}
	var out message.Request
	err := DecodeBody(SerializationGob, CompressionSnappy, bomb, 0, &out)
	if !rpcerr.Is(rpcerr.Protocol, err) {
		t.Fatalf("expect protocol error, got %v", err)
	}
}

func TestDecodeBodyHonorsMaxSize(t *testing.T) {
	req := message.NewRequest("Greet", "Hello", []interface{}{string(make([]byte, 4096))}, nil, "v1", "g1")
	data, err := EncodeBody(SerializationGob, CompressionGzip, req)
	if err != nil {
		t.Fatal(err)
	}
	var out message.Request
	if err := DecodeBody(SerializationGob, CompressionGzip, data, 1024, &out); !rpcerr.Is(rpcerr.Protocol, err) {
		t.Fatalf("expect protocol error, got %v", err)
	}
	if err := DecodeBody(SerializationGob, CompressionGzip, data, 0, &out); err != nil {
		t.Fatal(err)
	}
}
