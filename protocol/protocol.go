// Package protocol implements the binary frame protocol for kite-rpc.
//
// Every frame is self-delimited: the receiver reads a fixed header that
// declares the total frame length, and never dispatches a frame until that
// many bytes are buffered. This is what makes the framing safe on a TCP
// byte stream where one Read may return half a frame or three of them.
//
// Frame format (all integers big-endian):
//
//	0       4   5          9   10  11  12          16       16+n         20+n        20+n+m
//	┌───────┬───┬──────────┬───┬───┬───┬───────────┬──────────┬───────────┬───────────┐
//	│ magic │ v │ totalLen │ mt│ st│ ct│  idLen n  │ reqId    │ payLen m  │ payload   │
//	│ kite  │01 │  uint32  │   │   │   │  uint32   │ n bytes  │  uint32   │ m bytes   │
//	└───────┴───┴──────────┴───┴───┴───┴───────────┴──────────┴───────────┴───────────┘
//
// mt is the message type, st the serialization type and ct the compression
// type of the payload. PING and PONG frames carry a zero-length payload.
package protocol

import (
	"encoding/binary"
	"io"

	"kite-rpc/rpcerr"
)

// Magic bytes "kite". Used to reject non-protocol peers (e.g. an HTTP
// client hitting the wrong port) before trusting any length field.
var Magic = [4]byte{'k', 'i', 't', 'e'}

const (
	Version byte = 0x01

	// HeaderSize is the fixed part: magic, version, totalLen, mt, st, ct.
	HeaderSize = 12
	// MinFrameSize is a frame with an empty request id and payload.
	MinFrameSize = HeaderSize + 4 + 4
	// DefaultMaxFrameSize bounds the declared length of a single frame.
	DefaultMaxFrameSize = 8 << 20

	lengthOffset = 5 // totalLen starts after magic and version
	prefixSize   = 9 // magic + version + totalLen
)

// MsgType distinguishes request, response and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest  MsgType = 1 // Client → Server RPC request
	MsgTypeResponse MsgType = 2 // Server → Client RPC response
	MsgTypePing     MsgType = 3 // Heartbeat request, no payload
	MsgTypePong     MsgType = 4 // Heartbeat answer, no payload
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "REQUEST"
	case MsgTypeResponse:
		return "RESPONSE"
	case MsgTypePing:
		return "PING"
	case MsgTypePong:
		return "PONG"
	}
	return "UNKNOWN"
}

func (t MsgType) valid() bool {
	return t >= MsgTypeRequest && t <= MsgTypePong
}

// Frame is one unit on the wire. Payload holds the already serialized and
// compressed Request or Response; the protocol layer never looks inside it.
type Frame struct {
	Type          MsgType
	Serialization byte
	Compression   byte
	RequestID     string
	Payload       []byte
}

// Len returns the total encoded length of f.
func (f *Frame) Len() int {
	return MinFrameSize + len(f.RequestID) + len(f.Payload)
}

// Marshal encodes f into a newly allocated buffer.
func Marshal(f *Frame) ([]byte, error) {
	if !f.Type.valid() {
		return nil, rpcerr.Errorf("protocol.Marshal", rpcerr.Invalid, "unsupported message type: %d", f.Type)
	}
	total := f.Len()
	buf := make([]byte, total)

	copy(buf[0:4], Magic[:])
	buf[4] = Version
	binary.BigEndian.PutUint32(buf[5:9], uint32(total))
	buf[9] = byte(f.Type)
	buf[10] = f.Serialization
	buf[11] = f.Compression

	offset := HeaderSize
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(f.RequestID)))
	offset += 4
	copy(buf[offset:], f.RequestID)
	offset += len(f.RequestID)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(f.Payload)))
	offset += 4
	copy(buf[offset:], f.Payload)
	return buf, nil
}

// Encode writes a complete frame to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different requests interleave.
func Encode(w io.Writer, f *Frame) error {
	buf, err := Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// checkPrefix validates the magic number, version and declared length.
// b must hold at least prefixSize bytes.
func checkPrefix(b []byte, maxFrame int) (int, error) {
	if b[0] != Magic[0] || b[1] != Magic[1] || b[2] != Magic[2] || b[3] != Magic[3] {
		return 0, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "invalid magic number: %x", b[0:4])
	}
	if b[4] != Version {
		return 0, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "unsupported version: %d", b[4])
	}
	total := int(binary.BigEndian.Uint32(b[lengthOffset:prefixSize]))
	if total < MinFrameSize {
		return 0, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "frame length %d below minimum %d", total, MinFrameSize)
	}
	if maxFrame > 0 && total > maxFrame {
		return 0, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "frame length %d exceeds limit %d", total, maxFrame)
	}
	return total, nil
}

// parseBody decodes a complete frame of exactly len(b) bytes.
// The returned frame does not alias b.
func parseBody(b []byte) (*Frame, error) {
	mt := MsgType(b[9])
	if !mt.valid() {
		return nil, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "unsupported message type: %d", b[9])
	}
	total := len(b)
	offset := HeaderSize

	idLen := int(binary.BigEndian.Uint32(b[offset : offset+4]))
	offset += 4
	if idLen < 0 || offset+idLen+4 > total {
		return nil, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "request id length %d overflows frame of %d bytes", idLen, total)
	}
	id := string(b[offset : offset+idLen])
	offset += idLen

	payLen := int(binary.BigEndian.Uint32(b[offset : offset+4]))
	offset += 4
	if payLen < 0 || offset+payLen != total {
		return nil, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "payload length %d inconsistent with frame of %d bytes", payLen, total)
	}
	var payload []byte
	if payLen > 0 {
		payload = make([]byte, payLen)
		copy(payload, b[offset:])
	}

	return &Frame{
		Type:          mt,
		Serialization: b[10],
		Compression:   b[11],
		RequestID:     id,
		Payload:       payload,
	}, nil
}

// ReadFrame reads exactly one frame from r. It is the blocking counterpart
// of Decoder for callers that own a reader.
func ReadFrame(r io.Reader, maxFrame int) (*Frame, error) {
	prefix := make([]byte, prefixSize)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	total, err := checkPrefix(prefix, maxFrame)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, total)
	copy(buf, prefix)
	if _, err := io.ReadFull(r, buf[prefixSize:]); err != nil {
		return nil, err
	}
	return parseBody(buf)
}
