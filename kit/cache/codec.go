package cache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/bytedance/sonic"
)

var (
	// ErrEncode indicates a value that neither JSON nor gob could encode.
	ErrEncode = errors.New("cache: value cannot be encoded")
	// ErrDecode indicates a stored payload that could not be decoded.
	ErrDecode = errors.New("cache: payload cannot be decoded")
)

// gobMagic prefixes binary payloads. JSON text never starts with a NUL byte,
// so plain JSON written by other clients stays readable.
var gobMagic = []byte("\x00gob")

var (
	jsonAPI  = sonic.Config{UseNumber: true}.Froze()
	jsonNull = []byte("null")
)

// encode renders v as JSON, or as gob when JSON cannot represent it.
// Integral floats keep a fraction ("1.0") so they decode as floats again.
func encode(v any) ([]byte, error) {
	data, jsonErr := sonic.Marshal(v)
	if jsonErr == nil {
		switch v.(type) {
		case float32, float64:
			if !bytes.ContainsAny(data, ".eE") {
				data = append(data, ".0"...)
			}
		}

		return data, nil
	}

	if v == nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, jsonErr)
	}

	var buf bytes.Buffer
	buf.Write(gobMagic)

	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("%w: json: %w; gob: %w", ErrEncode, jsonErr, err)
	}

	return buf.Bytes(), nil
}

func isGob(data []byte) bool {
	return bytes.HasPrefix(data, gobMagic)
}

// decodeAny decodes JSON payloads into the dynamic type of hint when they
// fit it, and otherwise into the generic JSON shape: integers as int, numbers
// with a fraction or exponent as float64. Gob payloads carry no type
// information, so they need a hint; a nil hint cannot decode them.
func decodeAny(data []byte, hint any) (any, error) {
	if !isGob(data) {
		if hint != nil && !bytes.Equal(data, jsonNull) {
			target := reflect.New(reflect.TypeOf(hint))
			if err := jsonAPI.Unmarshal(data, target.Interface()); err == nil {
				return normalizeNumbers(target.Elem().Interface()), nil
			}
		}

		var v any
		if err := jsonAPI.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecode, err)
		}

		return normalizeNumbers(v), nil
	}

	if hint == nil {
		return nil, fmt.Errorf("%w: binary payload needs a typed default", ErrDecode)
	}

	target := reflect.New(reflect.TypeOf(hint))
	if err := gob.NewDecoder(bytes.NewReader(data[len(gobMagic):])).DecodeValue(target); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return target.Elem().Interface(), nil
}

// decodeInto decodes either payload kind into a T.
func decodeInto[T any](data []byte) (T, error) {
	var out T

	if isGob(data) {
		if err := gob.NewDecoder(bytes.NewReader(data[len(gobMagic):])).Decode(&out); err != nil {
			return out, fmt.Errorf("%w: %w", ErrDecode, err)
		}

		return out, nil
	}

	if err := sonic.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	return out, nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(val), 10, strconv.IntSize); err == nil {
			return int(i)
		}

		if f, err := val.Float64(); err == nil {
			return f
		}

		return val.String()
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}

		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}

		return val
	default:
		return v
	}
}
