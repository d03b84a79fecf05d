package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gopcua/opcua/ua"
)

// Quality classification of an OPC-UA status code, from the severity
// bits of the code.
const (
	StatusGood      = "Good"
	StatusUncertain = "Uncertain"
	StatusBad       = "Bad"
)

// Envelope is the canonical telemetry record published for one value
// change. It is the unit the encryption engine protects and the MQTT
// publisher carries.
type Envelope struct {
	// Device is the stable channel identifier, e.g. "pump-1".
	Device string `json:"device"`

	// Node is the OPC-UA node the value came from.
	Node string `json:"node"`

	// Sequence is the per-channel strictly increasing sequence number,
	// stamped by the orchestrator. A restart may reset it; consumers
	// detect gaps and resets from this field.
	Sequence uint64 `json:"sequence"`

	// Timestamp is the sample's effective time in UTC: the source
	// timestamp if present, else the server timestamp, else the time the
	// agent received the notification.
	Timestamp time.Time `json:"timestamp"`

	// SourceTimestamp and ServerTimestamp carry the raw OPC-UA
	// timestamps in UTC when the server provided them.
	SourceTimestamp *time.Time `json:"source_timestamp,omitempty"`
	ServerTimestamp *time.Time `json:"server_timestamp,omitempty"`

	// Value is the typed payload.
	Value Value `json:"value"`

	// Status is the quality classification: Good, Uncertain or Bad.
	// A sample without a status code is Good.
	Status string `json:"status"`

	// StatusCode is the raw OPC-UA status code for consumers that need
	// more than the classification.
	StatusCode uint32 `json:"status_code"`
}

// Marshal serializes the envelope to its JSON wire form: the plaintext
// fed to the encryption engine, or the payload itself on plain channels.
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}
	return data, nil
}

// Unmarshal parses a JSON wire envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return &e, nil
}

// Encode maps one OPC-UA data value onto an envelope.
//
// Pure and total over the closed variant set: an unsupported variant
// type returns ErrUnsupportedType and the caller drops the sample. The
// sequence number is left to the orchestrator.
//
// Parameters:
//   - device: Channel identifier
//   - node: OPC-UA node identifier the value belongs to
//   - dv: The data value from a change notification
//   - received: The time the agent received the notification, used when
//     the server supplied no timestamps
//
// Returns:
//   - *Envelope: Canonical record, sequence unset
//   - error: ErrMissingValue or ErrUnsupportedType
func Encode(device, node string, dv *ua.DataValue, received time.Time) (*Envelope, error) {
	if dv == nil || dv.Value == nil {
		return nil, ErrMissingValue
	}

	value, err := fromVariant(dv.Value.Value())
	if err != nil {
		return nil, err
	}

	e := &Envelope{
		Device:     device,
		Node:       node,
		Value:      value,
		Status:     statusName(dv.Status),
		StatusCode: uint32(dv.Status),
	}

	if !dv.SourceTimestamp.IsZero() {
		ts := dv.SourceTimestamp.UTC()
		e.SourceTimestamp = &ts
	}
	if !dv.ServerTimestamp.IsZero() {
		ts := dv.ServerTimestamp.UTC()
		e.ServerTimestamp = &ts
	}

	// Prefer the source timestamp, then the server's, then our own clock.
	switch {
	case e.SourceTimestamp != nil:
		e.Timestamp = *e.SourceTimestamp
	case e.ServerTimestamp != nil:
		e.Timestamp = *e.ServerTimestamp
	default:
		e.Timestamp = received.UTC()
	}

	return e, nil
}

// fromVariant converts a gopcua variant payload into the closed variant.
func fromVariant(v interface{}) (Value, error) {
	switch val := v.(type) {
	case bool:
		return BoolValue(val), nil
	case int8:
		return IntValue(int64(val)), nil
	case int16:
		return IntValue(int64(val)), nil
	case int32:
		return IntValue(int64(val)), nil
	case int64:
		return IntValue(val), nil
	case uint8:
		return UintValue(uint64(val)), nil
	case uint16:
		return UintValue(uint64(val)), nil
	case uint32:
		return UintValue(uint64(val)), nil
	case uint64:
		return UintValue(val), nil
	case float32:
		return FloatValue(float64(val)), nil
	case float64:
		return FloatValue(val), nil
	case string:
		return StringValue(val), nil
	case []byte:
		return BytesValue(val), nil
	case time.Time:
		return TimeValue(val), nil
	case []interface{}:
		return fromSlice(val)
	case []bool:
		return fromTypedSlice(val, func(b bool) Value { return BoolValue(b) }), nil
	case []int8:
		return fromTypedSlice(val, func(n int8) Value { return IntValue(int64(n)) }), nil
	case []int16:
		return fromTypedSlice(val, func(n int16) Value { return IntValue(int64(n)) }), nil
	case []int32:
		return fromTypedSlice(val, func(n int32) Value { return IntValue(int64(n)) }), nil
	case []int64:
		return fromTypedSlice(val, func(n int64) Value { return IntValue(n) }), nil
	case []uint16:
		return fromTypedSlice(val, func(n uint16) Value { return UintValue(uint64(n)) }), nil
	case []uint32:
		return fromTypedSlice(val, func(n uint32) Value { return UintValue(uint64(n)) }), nil
	case []uint64:
		return fromTypedSlice(val, func(n uint64) Value { return UintValue(n) }), nil
	case []float32:
		return fromTypedSlice(val, func(f float32) Value { return FloatValue(float64(f)) }), nil
	case []float64:
		return fromTypedSlice(val, func(f float64) Value { return FloatValue(f) }), nil
	case []string:
		return fromTypedSlice(val, func(s string) Value { return StringValue(s) }), nil
	case []time.Time:
		return fromTypedSlice(val, func(t time.Time) Value { return TimeValue(t) }), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// fromSlice converts an untyped variant array element-wise.
func fromSlice(vals []interface{}) (Value, error) {
	arr := make([]Value, 0, len(vals))
	for _, v := range vals {
		elem, err := fromVariant(v)
		if err != nil {
			return Value{}, err
		}
		arr = append(arr, elem)
	}
	return ArrayValue(arr), nil
}

// fromTypedSlice converts a typed variant array element-wise.
func fromTypedSlice[T any](vals []T, conv func(T) Value) Value {
	arr := make([]Value, 0, len(vals))
	for _, v := range vals {
		arr = append(arr, conv(v))
	}
	return ArrayValue(arr)
}

// statusName classifies a status code by its severity bits.
func statusName(code ua.StatusCode) string {
	switch uint32(code) >> 30 {
	case 0:
		return StatusGood
	case 1:
		return StatusUncertain
	default:
		return StatusBad
	}
}
