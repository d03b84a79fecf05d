package envelope

import "errors"

// Domain-specific errors for envelope encoding and decoding.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnsupportedType is returned when an OPC-UA value's type falls
	// outside the closed variant set. The sample is dropped, never fatal.
	ErrUnsupportedType = errors.New("envelope: unsupported value type")

	// ErrDecodingFailed is returned when a serialized envelope or value
	// cannot be parsed.
	ErrDecodingFailed = errors.New("envelope: decoding failed")

	// ErrMissingValue is returned when a data change notification carries
	// no value variant at all.
	ErrMissingValue = errors.New("envelope: data value has no value")
)
