package functions

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

const (
	longType         = "type.googleapis.com/google.protobuf.Int64Value"
	unsignedLongType = "type.googleapis.com/google.protobuf.UInt64Value"

	// maxSafeInteger is the largest integer a JSON number carries without
	// loss on the receiving side.
	maxSafeInteger = 1<<53 - 1
)

// Encode converts v into a value of the callable wire format: JSON numbers,
// strings, booleans, nil, []any and map[string]any. Times are encoded as
// RFC 3339 strings in UTC with millisecond precision, integers that do not fit
// into a float64 as Int64Value or UInt64Value wrappers.
func Encode(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case json.Number:
		return t, nil
	case float64:
		return encodeFloat(t)
	case float32:
		return encodeFloat(float64(t))
	case int:
		return encodeInt(int64(t)), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return encodeInt(t), nil
	case uint:
		return encodeUint(uint64(t)), nil
	case uint8:
		return uint64(t), nil
	case uint16:
		return uint64(t), nil
	case uint32:
		return uint64(t), nil
	case uint64:
		return encodeUint(t), nil
	case time.Time:
		return t.UTC().Format("2006-01-02T15:04:05.000Z"), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return Encode(*t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			enc, err := Encode(e)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			enc, err := Encode(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = enc
		}
		return out, nil
	}
	return encodeReflect(reflect.ValueOf(v))
}

func encodeReflect(rv reflect.Value) (any, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Encode(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			enc, err := Encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("data cannot be encoded in JSON: map key type %s", rv.Type().Key())
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := Encode(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	case reflect.Struct:
		// structs are reduced to a map via their json tags
		raw, err := json.Marshal(rv.Interface())
		if err != nil {
			return nil, fmt.Errorf("data cannot be encoded in JSON: %w", err)
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return nil, err
		}
		return Encode(generic)
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return encodeInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return encodeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return encodeFloat(rv.Float())
	}
	return nil, fmt.Errorf("data cannot be encoded in JSON: %s", rv.Type())
}

func encodeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("data cannot be encoded in JSON: %v", f)
	}
	return f, nil
}

func encodeInt(i int64) any {
	if i > maxSafeInteger || i < -maxSafeInteger {
		return map[string]any{"@type": longType, "value": strconv.FormatInt(i, 10)}
	}
	return i
}

func encodeUint(u uint64) any {
	if u > maxSafeInteger {
		return map[string]any{"@type": unsignedLongType, "value": strconv.FormatUint(u, 10)}
	}
	return u
}

// Decode converts a value decoded from the callable wire format. Int64Value
// and UInt64Value wrappers become int64 and uint64, any other typed object is
// an error.
func Decode(v any) (any, error) {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			dec, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = dec
		}
		return out, nil
	case map[string]any:
		if typ, ok := t["@type"]; ok {
			return decodeTyped(typ, t["value"])
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			dec, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[k] = dec
		}
		return out, nil
	}
	return v, nil
}

func decodeTyped(typ, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("data cannot be decoded from JSON: %v value %v", typ, value)
	}
	switch typ {
	case longType:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("data cannot be decoded from JSON: %w", err)
		}
		return i, nil
	case unsignedLongType:
		u, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("data cannot be decoded from JSON: %w", err)
		}
		return u, nil
	}
	return nil, fmt.Errorf("data cannot be decoded from JSON: unsupported type %v", typ)
}

// decodeRaw parses a JSON value and decodes it.
func decodeRaw(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return Decode(v)
}

// As decodes a value returned by Decode into out, a pointer to a struct,
// map or slice. Struct fields are matched by their json tag. Strings are
// parsed into time.Time fields.
func As(data any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}
