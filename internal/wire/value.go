package wire

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/johndauphine/forum-converter/internal/step"
)

// Field numbers of the value message. Exactly one is set per value.
const (
	valNil    protowire.Number = 1
	valBool   protowire.Number = 2
	valInt    protowire.Number = 3
	valUint   protowire.Number = 4
	valFloat  protowire.Number = 5
	valString protowire.Number = 6
	valBytes  protowire.Number = 7
	valTime   protowire.Number = 8
	valList   protowire.Number = 9
	valMap    protowire.Number = 10
)

const (
	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2
	listElem   protowire.Number = 1
)

// AppendValue appends the encoding of v. Signed integers decode as int64,
// unsigned as uint64, floats as float64, maps as map[string]any and slices
// as []any.
func AppendValue(b []byte, v any) ([]byte, error) {
	switch x := v.(type) {
	case nil:
		b = protowire.AppendTag(b, valNil, protowire.VarintType)
		return protowire.AppendVarint(b, 0), nil
	case bool:
		b = protowire.AppendTag(b, valBool, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(x)), nil
	case int:
		return appendInt(b, int64(x)), nil
	case int8:
		return appendInt(b, int64(x)), nil
	case int16:
		return appendInt(b, int64(x)), nil
	case int32:
		return appendInt(b, int64(x)), nil
	case int64:
		return appendInt(b, x), nil
	case uint:
		return appendUint(b, uint64(x)), nil
	case uint8:
		return appendUint(b, uint64(x)), nil
	case uint16:
		return appendUint(b, uint64(x)), nil
	case uint32:
		return appendUint(b, uint64(x)), nil
	case uint64:
		return appendUint(b, x), nil
	case float32:
		return appendFloat(b, float64(x)), nil
	case float64:
		return appendFloat(b, x), nil
	case string:
		b = protowire.AppendTag(b, valString, protowire.BytesType)
		return protowire.AppendString(b, x), nil
	case []byte:
		b = protowire.AppendTag(b, valBytes, protowire.BytesType)
		return protowire.AppendBytes(b, x), nil
	case time.Time:
		data, err := x.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encoding time: %w", err)
		}
		b = protowire.AppendTag(b, valTime, protowire.BytesType)
		return protowire.AppendBytes(b, data), nil
	case []any:
		return appendList(b, len(x), func(i int) any { return x[i] })
	case map[string]any:
		return appendMap(b, x)
	case step.Item:
		return appendMap(b, x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return appendList(b, rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return appendMap(b, m)
	case reflect.Pointer:
		if rv.IsNil() {
			return AppendValue(b, nil)
		}
		return AppendValue(b, rv.Elem().Interface())
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func appendInt(b []byte, v int64) []byte {
	b = protowire.AppendTag(b, valInt, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendUint(b []byte, v uint64) []byte {
	b = protowire.AppendTag(b, valUint, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, v float64) []byte {
	b = protowire.AppendTag(b, valFloat, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendList(b []byte, n int, at func(int) any) ([]byte, error) {
	var body []byte
	for i := 0; i < n; i++ {
		elem, err := AppendValue(nil, at(i))
		if err != nil {
			return nil, err
		}
		body = protowire.AppendTag(body, listElem, protowire.BytesType)
		body = protowire.AppendBytes(body, elem)
	}
	b = protowire.AppendTag(b, valList, protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

func appendMap(b []byte, m map[string]any) ([]byte, error) {
	body, err := appendEntries(nil, m)
	if err != nil {
		return nil, err
	}
	b = protowire.AppendTag(b, valMap, protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

// appendEntries encodes map entries as repeated field 1 messages.
func appendEntries(b []byte, m map[string]any) ([]byte, error) {
	for k, v := range m {
		val, err := AppendValue(nil, v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, val)

		b = protowire.AppendTag(b, listElem, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b, nil
}

// DecodeValue decodes a value produced by AppendValue.
func DecodeValue(b []byte) (any, error) {
	var (
		out any
		set bool
	)
	err := parseFields(b, func(f field) error {
		if set {
			return fmt.Errorf("%w: value has more than one field", ErrMalformed)
		}
		set = true
		switch f.num {
		case valNil:
			out = nil
		case valBool:
			out = protowire.DecodeBool(f.varint)
		case valInt:
			out = protowire.DecodeZigZag(f.varint)
		case valUint:
			out = f.varint
		case valFloat:
			out = math.Float64frombits(f.varint)
		case valString:
			out = string(f.bytes)
		case valBytes:
			out = append([]byte{}, f.bytes...)
		case valTime:
			var t time.Time
			if err := t.UnmarshalBinary(f.bytes); err != nil {
				return fmt.Errorf("%w: time: %v", ErrMalformed, err)
			}
			out = t
		case valList:
			list := []any{}
			err := parseFields(f.bytes, func(e field) error {
				v, err := DecodeValue(e.bytes)
				if err != nil {
					return err
				}
				list = append(list, v)
				return nil
			})
			if err != nil {
				return err
			}
			out = list
		case valMap:
			m, err := decodeEntries(f.bytes)
			if err != nil {
				return err
			}
			out = m
		default:
			return fmt.Errorf("%w: unknown value tag %d", ErrMalformed, f.num)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !set {
		return nil, fmt.Errorf("%w: empty value", ErrMalformed)
	}
	return out, nil
}

func decodeEntries(b []byte) (map[string]any, error) {
	m := map[string]any{}
	err := parseFields(b, func(f field) error {
		var (
			key string
			val any
		)
		err := parseFields(f.bytes, func(e field) error {
			switch e.num {
			case entryKey:
				key = string(e.bytes)
			case entryValue:
				v, err := DecodeValue(e.bytes)
				if err != nil {
					return err
				}
				val = v
			}
			return nil
		})
		if err != nil {
			return err
		}
		m[key] = val
		return nil
	})
	return m, err
}

// field is one decoded protobuf field. Varint and fixed64 payloads share
// the varint slot.
type field struct {
	num    protowire.Number
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// parseFields calls fn for every field in b. Groups and fixed32 fields are
// skipped.
func parseFields(b []byte, fn func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.varint, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
