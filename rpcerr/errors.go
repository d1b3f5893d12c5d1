// Package rpcerr defines the error values shared by every layer of kite-rpc.
//
// All failures are reported as *Error, whose Kind tells the caller which
// recovery applies:
//
//	Protocol            malformed or unsupported frame, close the connection
//	Connection          connect attempts exhausted
//	Transport           write to an inactive or failed channel
//	NoAvailableService  empty candidate list
//	RemoteInvocation    the remote method failed or could not be found
//	DuplicateCompletion a request id was resolved twice
//	UnknownRequestID    a request id was resolved without being registered
//	Timeout             the call outlived its deadline
package rpcerr

import (
	"bytes"
	"errors"
	"fmt"
)

// Kind is the class of an error.
type Kind uint8

const (
	Other Kind = iota // Unclassified error. Not printed in the message.
	Invalid
	Protocol
	Connection
	Transport
	NoAvailableService
	RemoteInvocation
	DuplicateCompletion
	UnknownRequestID
	Timeout
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "other error"
	case Invalid:
		return "invalid argument"
	case Protocol:
		return "protocol error"
	case Connection:
		return "connection error"
	case Transport:
		return "transport error"
	case NoAvailableService:
		return "no available service"
	case RemoteInvocation:
		return "remote invocation error"
	case DuplicateCompletion:
		return "duplicate completion"
	case UnknownRequestID:
		return "unknown request id"
	case Timeout:
		return "timeout"
	}
	return "unknown error kind"
}

// Error is the error type returned by kite-rpc packages.
type Error struct {
	// Op is the operation that failed, e.g. "transport.GetOrConnect".
	Op string
	// Kind is the class of error.
	Kind Kind
	// Err is the underlying error, if any.
	Err error
}

var _ error = (*Error)(nil)

// E builds an error value from its arguments. The type of each argument
// determines its meaning:
//
//	string
//		The operation being performed.
//	rpcerr.Kind
//		The class of error.
//	error
//		The underlying error.
//
// If Kind is not given, it is inherited from an underlying *Error.
// E panics when called with no arguments or an argument of another type.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to rpcerr.E with no arguments")
	}
	e := &Error{}
	for _, arg := range args {
		switch arg := arg.(type) {
		case string:
			e.Op = arg
		case Kind:
			e.Kind = arg
		case *Error:
			cp := *arg
			e.Err = &cp
		case error:
			e.Err = arg
		default:
			panic(fmt.Sprintf("rpcerr.E: bad call with argument of type %T", arg))
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	return e
}

// Errorf is like E with a formatted underlying error.
func Errorf(op string, kind Kind, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func pad(b *bytes.Buffer, str string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(str)
}

// KindOf returns the Kind of the outermost *Error in err's chain,
// or Other when there is none.
func KindOf(err error) Kind {
	var e *Error
	if !errors.As(err, &e) {
		return Other
	}
	for e != nil {
		if e.Kind != Other {
			return e.Kind
		}
		next, ok := e.Err.(*Error)
		if !ok {
			break
		}
		e = next
	}
	return Other
}

// Is reports whether err is an *Error of the given Kind.
func Is(kind Kind, err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}
