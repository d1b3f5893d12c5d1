package protocol

import (
	"kite-rpc/rpcerr"
)

// Decoder turns an arbitrarily chunked byte stream into frames.
//
// Feed buffers partial input and only returns frames whose declared length
// is fully available. After a protocol error the stream is desynchronized
// and every later Feed returns the same error; the owner must close the
// connection.
type Decoder struct {
	buf      []byte
	maxFrame int
	err      error
}

// NewDecoder returns a Decoder that rejects frames longer than maxFrame
// bytes. A maxFrame <= 0 means DefaultMaxFrameSize.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{maxFrame: maxFrame}
}

// Feed appends p to the internal buffer and returns every complete frame.
// Frames decoded before an error in the same chunk are returned with it.
func (d *Decoder) Feed(p []byte) ([]*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var frames []*Frame
	for {
		f, n, err := d.next()
		if err != nil {
			d.err = err
			d.buf = nil
			return frames, err
		}
		if f == nil {
			break
		}
		frames = append(frames, f)
		d.buf = d.buf[n:]
	}

	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// next decodes one frame from the head of the buffer, returning a nil frame
// when more input is needed.
func (d *Decoder) next() (*Frame, int, error) {
	b := d.buf
	// Reject a wrong magic as soon as its bytes arrive.
	for i := 0; i < len(b) && i < len(Magic); i++ {
		if b[i] != Magic[i] {
			return nil, 0, rpcerr.Errorf("protocol.Decode", rpcerr.Protocol, "invalid magic number: %x", b[:i+1])
		}
	}
	if len(b) < prefixSize {
		return nil, 0, nil
	}
	total, err := checkPrefix(b, d.maxFrame)
	if err != nil {
		return nil, 0, err
	}
	if len(b) < total {
		return nil, 0, nil
	}
	f, err := parseBody(b[:total])
	if err != nil {
		return nil, 0, err
	}
	return f, total, nil
}
