package envelope

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
)

// mustVariant wraps ua.NewVariant for test fixtures.
func mustVariant(t *testing.T, v interface{}) *ua.Variant {
	t.Helper()
	variant, err := ua.NewVariant(v)
	if err != nil {
		t.Fatalf("ua.NewVariant(%v) error = %v", v, err)
	}
	return variant
}

// TestEncode_ScalarTypes verifies the codec maps every supported scalar
// width onto the closed variant with no precision loss.
func TestEncode_ScalarTypes(t *testing.T) {
	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   interface{}
		want Value
	}{
		{name: "bool", in: true, want: BoolValue(true)},
		{name: "sbyte", in: int8(-5), want: IntValue(-5)},
		{name: "int16", in: int16(-1234), want: IntValue(-1234)},
		{name: "int32", in: int32(-123456), want: IntValue(-123456)},
		{name: "int64", in: int64(math.MinInt64), want: IntValue(math.MinInt64)},
		{name: "uint16", in: uint16(65535), want: UintValue(65535)},
		{name: "uint32", in: uint32(4294967295), want: UintValue(4294967295)},
		{name: "uint64", in: uint64(math.MaxUint64), want: UintValue(math.MaxUint64)},
		{name: "float32", in: float32(12.5), want: FloatValue(12.5)},
		{name: "float64", in: math.Pi, want: FloatValue(math.Pi)},
		{name: "string", in: "running", want: StringValue("running")},
		{name: "bytes", in: []byte{0x01, 0x02, 0x03}, want: BytesValue([]byte{0x01, 0x02, 0x03})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dv := &ua.DataValue{Value: mustVariant(t, tt.in)}
			e, err := Encode("pump-1", "ns=2;s=Pumps.Pump1.Flow", dv, received)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !e.Value.Equal(tt.want) {
				t.Errorf("Value = %+v, want %+v", e.Value, tt.want)
			}
			if e.Device != "pump-1" {
				t.Errorf("Device = %q, want %q", e.Device, "pump-1")
			}
		})
	}
}

// TestEncode_Arrays verifies array values convert element-wise.
func TestEncode_Arrays(t *testing.T) {
	dv := &ua.DataValue{Value: mustVariant(t, []float64{1.5, 2.5, 3.5})}
	e, err := Encode("pump-1", "ns=2;s=A", dv, time.Now())
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	want := ArrayValue([]Value{FloatValue(1.5), FloatValue(2.5), FloatValue(3.5)})
	if !e.Value.Equal(want) {
		t.Errorf("Value = %+v, want %+v", e.Value, want)
	}
}

// TestEncode_TimestampPreference verifies source > server > receive time,
// all normalized to UTC.
func TestEncode_TimestampPreference(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	source := time.Date(2026, 3, 1, 10, 0, 0, 0, loc)
	server := time.Date(2026, 3, 1, 10, 0, 1, 0, loc)
	received := time.Date(2026, 3, 1, 10, 0, 2, 0, loc)

	tests := []struct {
		name string
		dv   *ua.DataValue
		want time.Time
	}{
		{
			name: "source preferred",
			dv:   &ua.DataValue{SourceTimestamp: source, ServerTimestamp: server},
			want: source.UTC(),
		},
		{
			name: "server fallback",
			dv:   &ua.DataValue{ServerTimestamp: server},
			want: server.UTC(),
		},
		{
			name: "receive time fallback",
			dv:   &ua.DataValue{},
			want: received.UTC(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.dv.Value = mustVariant(t, 12.5)
			e, err := Encode("pump-1", "ns=2;s=A", tt.dv, received)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if !e.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp = %v, want %v", e.Timestamp, tt.want)
			}
			if e.Timestamp.Location() != time.UTC {
				t.Errorf("Timestamp location = %v, want UTC", e.Timestamp.Location())
			}
		})
	}
}

// TestEncode_StatusDefaults verifies status classification and the
// missing-status-is-Good rule.
func TestEncode_StatusDefaults(t *testing.T) {
	tests := []struct {
		name   string
		status ua.StatusCode
		want   string
	}{
		{name: "zero status is good", status: 0, want: StatusGood},
		{name: "uncertain severity", status: ua.StatusCode(0x40000000), want: StatusUncertain},
		{name: "bad severity", status: ua.StatusCode(0x80000000), want: StatusBad},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dv := &ua.DataValue{Value: mustVariant(t, true), Status: tt.status}
			e, err := Encode("valve-2", "ns=2;s=V", dv, time.Now())
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if e.Status != tt.want {
				t.Errorf("Status = %q, want %q", e.Status, tt.want)
			}
			if e.StatusCode != uint32(tt.status) {
				t.Errorf("StatusCode = %#x, want %#x", e.StatusCode, uint32(tt.status))
			}
		})
	}
}

// TestEncode_MissingValue verifies nil data values are rejected.
func TestEncode_MissingValue(t *testing.T) {
	if _, err := Encode("pump-1", "ns=2;s=A", nil, time.Now()); !errors.Is(err, ErrMissingValue) {
		t.Errorf("Encode(nil) error = %v, want ErrMissingValue", err)
	}
	if _, err := Encode("pump-1", "ns=2;s=A", &ua.DataValue{}, time.Now()); !errors.Is(err, ErrMissingValue) {
		t.Errorf("Encode(empty) error = %v, want ErrMissingValue", err)
	}
}

// TestMarshalUnmarshal_Precision verifies the JSON round trip loses no
// float precision and no timezone information.
func TestMarshalUnmarshal_Precision(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 123456789, time.UTC)
	src := ts.Add(-time.Millisecond)

	original := &Envelope{
		Device:          "pump-1",
		Node:            "ns=2;s=Pumps.Pump1.Flow",
		Sequence:        42,
		Timestamp:       ts,
		SourceTimestamp: &src,
		Value:           FloatValue(0.1 + 0.2), // not representable exactly; must survive verbatim
		Status:          StatusGood,
	}

	data, err := original.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if got.Value.Float != original.Value.Float {
		t.Errorf("Float = %v, want %v (precision lost)", got.Value.Float, original.Value.Float)
	}
	if !got.Timestamp.Equal(original.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, original.Timestamp)
	}
	if got.SourceTimestamp == nil || !got.SourceTimestamp.Equal(*original.SourceTimestamp) {
		t.Errorf("SourceTimestamp = %v, want %v", got.SourceTimestamp, original.SourceTimestamp)
	}
	if got.Sequence != 42 {
		t.Errorf("Sequence = %d, want 42", got.Sequence)
	}
}

// TestValueJSON_RoundTrip verifies every variant kind survives the
// tagged JSON encoding.
func TestValueJSON_RoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{name: "bool", value: BoolValue(true)},
		{name: "int64 min", value: IntValue(math.MinInt64)},
		{name: "uint64 max", value: UintValue(math.MaxUint64)},
		{name: "float", value: FloatValue(math.SmallestNonzeroFloat64)},
		{name: "string", value: StringValue("with \"quotes\" and ünicode")},
		{name: "bytes", value: BytesValue([]byte{0x00, 0xFF, 0x7F})},
		{name: "time", value: TimeValue(time.Date(2026, 3, 1, 1, 2, 3, 456789012, time.UTC))},
		{
			name: "nested array",
			value: ArrayValue([]Value{
				IntValue(1),
				ArrayValue([]Value{FloatValue(2.5), StringValue("x")}),
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := tt.value.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON() error = %v", err)
			}

			var got Value
			if err := got.UnmarshalJSON(data); err != nil {
				t.Fatalf("UnmarshalJSON() error = %v", err)
			}
			if !got.Equal(tt.value) {
				t.Errorf("round trip = %+v, want %+v", got, tt.value)
			}
		})
	}
}

// TestValueJSON_Invalid verifies malformed wire values are rejected.
func TestValueJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "unknown kind", data: `{"kind":"complex","value":1}`},
		{name: "wrong payload type", data: `{"kind":"bool","value":"yes"}`},
		{name: "bad int string", data: `{"kind":"int","value":"twelve"}`},
		{name: "bad base64", data: `{"kind":"bytes","value":"!!"}`},
		{name: "bad timestamp", data: `{"kind":"time","value":"yesterday"}`},
		{name: "not json", data: `nope`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v Value
			if err := v.UnmarshalJSON([]byte(tt.data)); !errors.Is(err, ErrDecodingFailed) {
				t.Errorf("UnmarshalJSON() error = %v, want ErrDecodingFailed", err)
			}
		})
	}
}
