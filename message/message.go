// Package message defines the RPC request and response exchanged between client and server.
//
// A Request or Response is the "payload" of a frame: it gets serialized and
// compressed by the codec layer and wrapped in a protocol frame for
// transmission over TCP.
package message

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// Response status codes.
const (
	CodeSuccess = 200
	CodeFail    = 500
)

// Request carries one remote method invocation. It is immutable once built.
type Request struct {
	RequestID  string        // Unique per call, a UUID string
	Interface  string        // Interface (service) name, e.g. "Greeter"
	Method     string        // Method name, e.g. "Hello"
	Params     []interface{} // Ordered parameter values
	ParamTypes []string      // Ordered declared parameter types, e.g. ["string", "int"]
	Version    string
	Group      string
}

// NewRequest builds a Request with a fresh request id. When paramTypes is
// nil the declared types are derived from the dynamic types of params.
func NewRequest(iface, method string, params []interface{}, paramTypes []string, version, group string) *Request {
	if paramTypes == nil {
		paramTypes = TypesOf(params)
	}
	return &Request{
		RequestID:  uuid.New().String(),
		Interface:  iface,
		Method:     method,
		Params:     params,
		ParamTypes: paramTypes,
		Version:    version,
		Group:      group,
	}
}

// ServiceKey identifies the logical service this request targets.
func (r *Request) ServiceKey() string {
	return ServiceKey(r.Interface, r.Group, r.Version)
}

// Signature returns the method table key "Method(type1,type2)".
func (r *Request) Signature() string {
	return Signature(r.Method, r.ParamTypes)
}

func (r *Request) String() string {
	return fmt.Sprintf("Request{id=%s service=%s method=%s params=%v}", r.RequestID, r.ServiceKey(), r.Signature(), r.Params)
}

// ServiceKey concatenates interface, group and version.
func ServiceKey(iface, group, version string) string {
	return iface + group + version
}

// Signature formats a method name and its declared parameter types.
func Signature(method string, paramTypes []string) string {
	s := method + "("
	for i, t := range paramTypes {
		if i > 0 {
			s += ","
		}
		s += t
	}
	return s + ")"
}

// TypesOf returns the Go type names of params. A nil parameter is typed "nil".
func TypesOf(params []interface{}) []string {
	types := make([]string, len(params))
	for i, p := range params {
		if p == nil {
			types[i] = "nil"
			continue
		}
		types[i] = reflect.TypeOf(p).String()
	}
	return types
}

// Response carries the outcome of one Request.
//
//   - On success: Code is CodeSuccess and Data holds the return value (may be nil).
//   - On failure: Code is CodeFail and Message describes the remote error.
type Response struct {
	RequestID string      // Mirrors the request
	Code      int         // CodeSuccess or CodeFail
	Message   string      // Error description when Code != CodeSuccess
	Data      interface{} // Method result
}

// Succeed builds a successful response.
func Succeed(requestID string, data interface{}) *Response {
	return &Response{RequestID: requestID, Code: CodeSuccess, Message: "ok", Data: data}
}

// Fail builds a failed response.
func Fail(requestID string, msg string) *Response {
	return &Response{RequestID: requestID, Code: CodeFail, Message: msg}
}

// OK reports whether the response carries a result rather than an error.
func (r *Response) OK() bool {
	return r.Code == CodeSuccess
}
