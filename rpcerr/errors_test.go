package rpcerr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := E("transport.GetOrConnect", Connection, io.EOF)
	want := "transport.GetOrConnect: connection error: EOF"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestKindInherited(t *testing.T) {
	inner := E("protocol.Decode", Protocol, errors.New("bad magic"))
	outer := E("server.handleConn", inner)
	if !Is(Protocol, outer) {
		t.Fatalf("expect Protocol kind, got %v", KindOf(outer))
	}
	// The inner kind is not repeated in the message.
	want := "server.handleConn: protocol error: protocol.Decode: bad magic"
	if outer.Error() != want {
		t.Fatalf("got %q, want %q", outer.Error(), want)
	}
}

func TestIsThroughWrap(t *testing.T) {
	err := fmt.Errorf("call failed: %w", E("client.Invoke", Timeout))
	if !Is(Timeout, err) {
		t.Fatal("expect Timeout through fmt wrapping")
	}
	if Is(Transport, err) {
		t.Fatal("unexpected Transport kind")
	}
	if Is(Timeout, nil) {
		t.Fatal("nil error has no kind")
	}
}

func TestErrorsAs(t *testing.T) {
	err := Errorf("pending.Complete", UnknownRequestID, "request %q", "r1")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expect *Error")
	}
	if e.Op != "pending.Complete" {
		t.Fatalf("unexpected op %q", e.Op)
	}
}
