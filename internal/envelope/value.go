package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies one member of the closed value variant.
type Kind string

// The closed set of telemetry value kinds. The codec handles these
// exhaustively; anything else is an ErrUnsupportedType.
const (
	KindBool   Kind = "bool"
	KindInt    Kind = "int"
	KindUint   Kind = "uint"
	KindFloat  Kind = "float"
	KindString Kind = "string"
	KindBytes  Kind = "bytes"
	KindTime   Kind = "time"
	KindArray  Kind = "array"
)

// Value is a tagged variant holding one telemetry value.
//
// Exactly one payload field is meaningful, selected by Kind. Integers
// are widened to 64 bits and floats to float64 so no precision is lost
// on any OPC-UA scalar width.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Uint   uint64
	Float  float64
	String string
	Bytes  []byte
	Time   time.Time
	Array  []Value
}

// Constructors for each variant member.

// BoolValue wraps a boolean.
func BoolValue(v bool) Value { return Value{Kind: KindBool, Bool: v} }

// IntValue wraps a signed integer.
func IntValue(v int64) Value { return Value{Kind: KindInt, Int: v} }

// UintValue wraps an unsigned integer.
func UintValue(v uint64) Value { return Value{Kind: KindUint, Uint: v} }

// FloatValue wraps a float.
func FloatValue(v float64) Value { return Value{Kind: KindFloat, Float: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{Kind: KindString, String: v} }

// BytesValue wraps a byte string.
func BytesValue(v []byte) Value { return Value{Kind: KindBytes, Bytes: v} }

// TimeValue wraps a timestamp, normalized to UTC.
func TimeValue(v time.Time) Value { return Value{Kind: KindTime, Time: v.UTC()} }

// ArrayValue wraps an array of values.
func ArrayValue(v []Value) Value { return Value{Kind: KindArray, Array: v} }

// jsonValue is the wire shape of a Value. The payload is tagged by kind
// so the decode side never guesses types from JSON number syntax.
type jsonValue struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"value"`
}

// MarshalJSON serializes the variant as {"kind": ..., "value": ...}.
//
// Integers are emitted as JSON strings: int64/uint64 exceed the 53-bit
// precision of JSON numbers and downstream consumers must not round
// them. Floats are emitted as numbers; Go's encoder uses the shortest
// representation that round-trips exactly.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload interface{}
	switch v.Kind {
	case KindBool:
		payload = v.Bool
	case KindInt:
		payload = strconv.FormatInt(v.Int, 10)
	case KindUint:
		payload = strconv.FormatUint(v.Uint, 10)
	case KindFloat:
		payload = v.Float
	case KindString:
		payload = v.String
	case KindBytes:
		payload = base64.StdEncoding.EncodeToString(v.Bytes)
	case KindTime:
		payload = v.Time.UTC().Format(time.RFC3339Nano)
	case KindArray:
		payload = v.Array
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnsupportedType, v.Kind)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonValue{Kind: v.Kind, Payload: raw})
}

// UnmarshalJSON parses the tagged wire shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	var jv jsonValue
	if err := json.Unmarshal(data, &jv); err != nil {
		return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}

	switch jv.Kind {
	case KindBool:
		var b bool
		if err := json.Unmarshal(jv.Payload, &b); err != nil {
			return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		*v = BoolValue(b)

	case KindInt:
		s, err := payloadString(jv.Payload)
		if err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		*v = IntValue(n)

	case KindUint:
		s, err := payloadString(jv.Payload)
		if err != nil {
			return err
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		*v = UintValue(n)

	case KindFloat:
		var f float64
		if err := json.Unmarshal(jv.Payload, &f); err != nil {
			return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		*v = FloatValue(f)

	case KindString:
		s, err := payloadString(jv.Payload)
		if err != nil {
			return err
		}
		*v = StringValue(s)

	case KindBytes:
		s, err := payloadString(jv.Payload)
		if err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		*v = BytesValue(b)

	case KindTime:
		s, err := payloadString(jv.Payload)
		if err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		*v = TimeValue(ts)

	case KindArray:
		var arr []Value
		if err := json.Unmarshal(jv.Payload, &arr); err != nil {
			return fmt.Errorf("%w: %v", ErrDecodingFailed, err)
		}
		*v = ArrayValue(arr)

	default:
		return fmt.Errorf("%w: kind %q", ErrDecodingFailed, jv.Kind)
	}

	return nil
}

// payloadString decodes a JSON string payload.
func payloadString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return s, nil
}

// Equal reports whether two values are the same variant with the same
// payload. Array comparison is deep; times compare with time.Time.Equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindUint:
		return v.Uint == o.Uint
	case KindFloat:
		return v.Float == o.Float
	case KindString:
		return v.String == o.String
	case KindBytes:
		if len(v.Bytes) != len(o.Bytes) {
			return false
		}
		for i := range v.Bytes {
			if v.Bytes[i] != o.Bytes[i] {
				return false
			}
		}
		return true
	case KindTime:
		return v.Time.Equal(o.Time)
	case KindArray:
		if len(v.Array) != len(o.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
