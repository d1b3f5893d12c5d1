package codec

import (
	"encoding/json"
	"reflect"

	"kite-rpc/rpcerr"
)

// Coerce returns v as a value of type t.
//
// Values that are already assignable pass through. Numbers convert between
// numeric kinds when no precision is lost, which recovers ints sent through
// JSON. Anything else (maps decoded from JSON objects, for instance) is
// re-encoded as JSON into a fresh t. A value that fits none of these is an
// Invalid error.
func Coerce(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		switch t.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, rpcerr.Errorf("codec.Coerce", rpcerr.Invalid, "cannot use nil as %s", t)
	}

	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if t.Kind() == reflect.Interface {
			out := reflect.New(t).Elem()
			out.Set(rv)
			return out, nil
		}
		return rv, nil
	}

	if isNumber(rv.Kind()) && isNumber(t.Kind()) {
		out := rv.Convert(t)
		if out.Convert(rv.Type()).Interface() == rv.Interface() {
			return out, nil
		}
		return reflect.Value{}, rpcerr.Errorf("codec.Coerce", rpcerr.Invalid, "%v does not fit in %s", v, t)
	}

	if t.Kind() == reflect.Ptr && rv.Type().AssignableTo(t.Elem()) {
		ptr := reflect.New(t.Elem())
		ptr.Elem().Set(rv)
		return ptr, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return reflect.Value{}, rpcerr.Errorf("codec.Coerce", rpcerr.Invalid, "cannot use %T as %s: %v", v, t, err)
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return reflect.Value{}, rpcerr.Errorf("codec.Coerce", rpcerr.Invalid, "cannot use %T as %s: %v", v, t, err)
	}
	return ptr.Elem(), nil
}

func isNumber(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
