// Package serialize sanitises upstream message envelopes into stable,
// JSON-encodable trees before they are persisted or shipped to webhooks.
package serialize

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"time"
)

// byteser matches foreign buffer-like types that expose raw bytes.
type byteser interface {
	Bytes() []byte
}

// Safe converts an arbitrary value into a tree of plain maps, slices and
// scalars. Values that cannot be represented in JSON are substituted with
// schema-bearing placeholders instead of failing:
//
//	[]byte            -> {"__type":"bytes","data":<base64>}
//	func              -> {"__type":"function","name":<symbol>}
//	Bytes() providers -> {"__type":"buffer","data":<base64>}
//	everything else   -> {"__type":"opaque","toString":<fmt.Sprint>}
//
// Safe never panics; on an unexpected failure it returns the fallback
// object so that message ingestion is never blocked.
func Safe(v any) (out any) {
	defer func() {
		if r := recover(); r != nil {
			out = Fallback(fmt.Sprint(r))
		}
	}()
	return sanitize(reflect.ValueOf(v), 0)
}

// Fallback is the envelope stored when sanitisation itself fails.
func Fallback(reason string) map[string]any {
	return map[string]any{
		"__serialization_error": true,
		"reason":                reason,
	}
}

const maxDepth = 32

func sanitize(rv reflect.Value, depth int) any {
	if depth > maxDepth {
		return opaque("max depth exceeded")
	}
	if !rv.IsValid() {
		return nil
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		// Buffer-like wrappers get flattened before dereferencing.
		if b, ok := rv.Interface().(byteser); ok {
			return map[string]any{
				"__type": "buffer",
				"data":   base64.StdEncoding.EncodeToString(b.Bytes()),
			}
		}
		return sanitize(rv.Elem(), depth+1)

	case reflect.Bool:
		return rv.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.String:
		return rv.String()

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			data := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(data), rv)
			return map[string]any{
				"__type": "bytes",
				"data":   base64.StdEncoding.EncodeToString(data),
			}
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = sanitize(rv.Index(i), depth+1)
		}
		return out

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value(), depth+1)
		}
		return out

	case reflect.Struct:
		if b, ok := rv.Interface().(byteser); ok {
			return map[string]any{
				"__type": "buffer",
				"data":   base64.StdEncoding.EncodeToString(b.Bytes()),
			}
		}
		if t, ok := rv.Interface().(time.Time); ok {
			return t.Format(time.RFC3339)
		}
		rt := rv.Type()
		out := make(map[string]any, rt.NumField())
		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("json"); ok {
				if tag == "-" {
					continue
				}
				if comma := indexComma(tag); comma > 0 {
					name = tag[:comma]
				} else if tag != "" {
					name = tag
				}
			}
			out[name] = sanitize(rv.Field(i), depth+1)
		}
		return out

	case reflect.Func:
		name := "anonymous"
		if !rv.IsNil() {
			if fn := runtime.FuncForPC(rv.Pointer()); fn != nil {
				name = fn.Name()
			}
		}
		return map[string]any{"__type": "function", "name": name}

	default:
		// chan, unsafe pointer, complex: keep a printable trace only.
		return opaque(fmt.Sprint(rv.Interface()))
	}
}

func opaque(s string) map[string]any {
	return map[string]any{"__type": "opaque", "toString": s}
}

func indexComma(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return i
		}
	}
	return -1
}

// MustJSON renders v through Safe into a JSON string. It falls back to the
// error envelope instead of returning an error; ingestion must not stop on
// a broken payload.
func MustJSON(v any) string {
	clean := Safe(v)
	b, err := json.Marshal(clean)
	if err != nil {
		b, _ = json.Marshal(Fallback(err.Error()))
	}
	return string(b)
}
