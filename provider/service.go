package provider

import (
	"context"
	"fmt"
	"reflect"

	log "github.com/sirupsen/logrus"

	"kite-rpc/codec"
	"kite-rpc/message"
	"kite-rpc/rpcerr"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

type methodType struct {
	method      reflect.Method
	signature   string         // "Hello(string,int)"
	withContext bool           // first parameter is a context.Context
	argTypes    []reflect.Type // declared parameters, context excluded
	hasResult   bool
	hasError    bool
}

// Service is one published service object and its method table.
type Service struct {
	key     string
	name    string
	rcvr    reflect.Value
	typ     reflect.Type
	methods map[string]*methodType // signature → method
	byName  map[string]*methodType
}

func newService(cfg ServiceConfig) (*Service, error) {
	if cfg.Service == nil {
		return nil, rpcerr.Errorf("provider.AddService", rpcerr.Invalid, "nil service object")
	}
	typ := reflect.TypeOf(cfg.Service)
	if rv := reflect.ValueOf(cfg.Service); rv.Kind() == reflect.Ptr && rv.IsNil() {
		return nil, rpcerr.Errorf("provider.AddService", rpcerr.Invalid, "nil %s service object", typ)
	}
	name := cfg.Interface
	if name == "" {
		name = reflect.Indirect(reflect.ValueOf(cfg.Service)).Type().Name()
	}
	if name == "" {
		return nil, rpcerr.Errorf("provider.AddService", rpcerr.Invalid, "cannot derive an interface name from %s", typ)
	}
	s := &Service{
		key:     message.ServiceKey(name, cfg.Group, cfg.Version),
		name:    name,
		rcvr:    reflect.ValueOf(cfg.Service),
		typ:     typ,
		methods: make(map[string]*methodType),
		byName:  make(map[string]*methodType),
	}
	s.registerMethods()
	if len(s.methods) == 0 {
		return nil, rpcerr.Errorf("provider.AddService", rpcerr.Invalid, "%s has no exported method usable over RPC", typ)
	}
	return s, nil
}

// registerMethods scans the exported methods of the service object. A
// usable method takes any parameters, optionally led by a context.Context,
// and returns nothing, a result, an error, or a result and an error.
func (s *Service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := &methodType{method: method}

		in := method.Type.NumIn()
		first := 1 // skip the receiver
		if in > 1 && method.Type.In(1) == contextType {
			mt.withContext = true
			first = 2
		}
		names := make([]string, 0, in-first)
		for j := first; j < in; j++ {
			t := method.Type.In(j)
			mt.argTypes = append(mt.argTypes, t)
			names = append(names, t.String())
		}
		if method.Type.IsVariadic() {
			log.WithFields(log.Fields{"service": s.key, "method": method.Name}).Debug("provider: skip variadic method")
			continue
		}

		switch out := method.Type.NumOut(); {
		case out == 0:
		case out == 1 && method.Type.Out(0) == errorType:
			mt.hasError = true
		case out == 1:
			mt.hasResult = true
		case out == 2 && method.Type.Out(1) == errorType:
			mt.hasResult, mt.hasError = true, true
		default:
			log.WithFields(log.Fields{"service": s.key, "method": method.Name}).Debug("provider: skip method with unsupported results")
			continue
		}

		mt.signature = message.Signature(method.Name, names)
		s.methods[mt.signature] = mt
		s.byName[method.Name] = mt
	}
}

// Key returns the service key the service is published under.
func (s *Service) Key() string { return s.key }

// Name returns the interface name.
func (s *Service) Name() string { return s.name }

// Methods returns the signatures of the method table.
func (s *Service) Methods() []string {
	out := make([]string, 0, len(s.methods))
	for sig := range s.methods {
		out = append(out, sig)
	}
	return out
}

// lookup finds the method named by req whose parameter types match the
// declared ones. A declared "nil" matches any parameter that can be nil.
func (s *Service) lookup(req *message.Request) (*methodType, error) {
	if mt, ok := s.methods[req.Signature()]; ok {
		return mt, nil
	}
	mt, ok := s.byName[req.Method]
	if !ok {
		return nil, rpcerr.Errorf("provider.Invoke", rpcerr.RemoteInvocation, "method %s not found in %s", req.Method, s.key)
	}
	if len(req.ParamTypes) == len(mt.argTypes) {
		match := true
		for i, declared := range req.ParamTypes {
			if declared == mt.argTypes[i].String() || (declared == "nil" && nilable(mt.argTypes[i])) {
				continue
			}
			match = false
			break
		}
		if match {
			return mt, nil
		}
	}
	return nil, rpcerr.Errorf("provider.Invoke", rpcerr.RemoteInvocation, "method %s not found in %s, have %s", req.Signature(), s.key, mt.signature)
}

// Invoke calls the method named by req. Lookup failures, argument
// mismatches, panics and errors returned by the method are all reported
// as RemoteInvocation errors.
func (s *Service) Invoke(ctx context.Context, req *message.Request) (result any, err error) {
	mt, err := s.lookup(req)
	if err != nil {
		return nil, err
	}
	if len(req.Params) != len(mt.argTypes) {
		return nil, rpcerr.Errorf("provider.Invoke", rpcerr.RemoteInvocation, "%s takes %d arguments, got %d", mt.signature, len(mt.argTypes), len(req.Params))
	}

	args := make([]reflect.Value, 0, 2+len(mt.argTypes))
	args = append(args, s.rcvr)
	if mt.withContext {
		if ctx == nil {
			ctx = context.Background()
		}
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, t := range mt.argTypes {
		v, err := codec.Coerce(req.Params[i], t)
		if err != nil {
			return nil, rpcerr.E("provider.Invoke", rpcerr.RemoteInvocation, fmt.Errorf("argument %d of %s: %w", i, mt.signature, err))
		}
		args = append(args, v)
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"service": s.key, "method": mt.signature}).Errorf("provider: method panicked: %v", r)
			result, err = nil, rpcerr.Errorf("provider.Invoke", rpcerr.RemoteInvocation, "%s panicked: %v", mt.signature, r)
		}
	}()
	out := mt.method.Func.Call(args)

	if mt.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, rpcerr.E("provider.Invoke", rpcerr.RemoteInvocation, e.Interface().(error))
		}
	}
	if mt.hasResult {
		return out[0].Interface(), nil
	}
	return nil, nil
}

func nilable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return true
	}
	return false
}
