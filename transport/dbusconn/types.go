package dbusconn

import (
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"

	"gsus/codec"
	berr "gsus/errors"
)

var (
	stringType  = reflect.TypeOf("")
	boolType    = reflect.TypeOf(false)
	stringsType = reflect.TypeOf([]string(nil))
	messageType = reflect.TypeOf(dbus.Message{})
	errorType   = reflect.TypeOf((*dbus.Error)(nil))
)

// goTypes maps a signature onto the Go types godbus marshals it from.
func goTypes(sig codec.Signature) ([]reflect.Type, error) {
	types, err := sig.Types()
	if err != nil {
		return nil, err
	}
	out := make([]reflect.Type, 0, len(types))
	for _, t := range types {
		switch t {
		case codec.TypeString:
			out = append(out, stringType)
		case codec.TypeBoolean:
			out = append(out, boolType)
		case codec.TypeStringArray:
			out = append(out, stringsType)
		default:
			return nil, fmt.Errorf("type %q: %w", t, berr.ErrFormat)
		}
	}
	return out, nil
}

// methodType is the signature godbus dispatches to: the raw message first,
// then the in arguments; the out values followed by *dbus.Error.
func methodType(in, out codec.Signature) (reflect.Type, error) {
	inTypes, err := goTypes(in)
	if err != nil {
		return nil, fmt.Errorf("in: %w", err)
	}
	outTypes, err := goTypes(out)
	if err != nil {
		return nil, fmt.Errorf("out: %w", err)
	}
	params := append([]reflect.Type{messageType}, inTypes...)
	results := append(outTypes, errorType)
	return reflect.FuncOf(params, results, false), nil
}

// encodeValues converts values received from godbus into a codec body.
// godbus may hand back an untyped nil for an empty array.
func encodeValues(values []any) ([]byte, error) {
	for i, v := range values {
		if v == nil {
			values[i] = []string{}
		}
	}
	return codec.Encode(values...)
}
