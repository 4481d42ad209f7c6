package pal

import "github.com/pkg/errors"

// Result is the status code reported by the platform abstraction layer and
// by the subsystems built on top of it. Failures also carry an error value
// with additional context; Result exists so callers can branch on the
// failure class without unwrapping.
type Result int

const (
	Success Result = iota
	// ErrorOutOfDeviceMemory indicates that a heap could not satisfy a
	// physical reservation, or that every eligible heap was exhausted.
	ErrorOutOfDeviceMemory
	// ErrorOutOfHostMemory indicates that host-side bookkeeping could not
	// be allocated.
	ErrorOutOfHostMemory
	// ErrorInvalidPoolSignature indicates that a precomputed pool reference
	// no longer matches the configuration it is being used with.
	ErrorInvalidPoolSignature
	// ErrorBindFailure indicates that a bindable object could not be
	// attached to a granted allocation.
	ErrorBindFailure
	ErrorUnknown
)

var resultMapping = map[Result]string{
	Success:                   "Success",
	ErrorOutOfDeviceMemory:    "ErrorOutOfDeviceMemory",
	ErrorOutOfHostMemory:      "ErrorOutOfHostMemory",
	ErrorInvalidPoolSignature: "ErrorInvalidPoolSignature",
	ErrorBindFailure:          "ErrorBindFailure",
	ErrorUnknown:              "ErrorUnknown",
}

func (r Result) String() string {
	str, ok := resultMapping[r]
	if !ok {
		return "unknown Result"
	}

	return str
}

var resultErrors = map[Result]error{
	ErrorOutOfDeviceMemory:    errors.New("out of device memory"),
	ErrorOutOfHostMemory:      errors.New("out of host memory"),
	ErrorInvalidPoolSignature: errors.New("pool reference does not match the requested configuration"),
	ErrorBindFailure:          errors.New("failed to bind object to allocated memory"),
	ErrorUnknown:              errors.New("unknown failure"),
}

// ToError returns the sentinel error for a failure Result, or nil for
// Success. The returned values are stable, so callers may compare them
// with errors.Is.
func (r Result) ToError() error {
	return resultErrors[r]
}
