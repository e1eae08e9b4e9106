package adam

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies every failure the acquisition core can produce.
// The category decides how the poller reacts (retry, reconnect, disable) and
// which Quality the resulting Reading carries.
type ErrorCategory uint8

const (
	// CategoryUnknown is the zero value; errors from outside the core.
	CategoryUnknown ErrorCategory = iota
	// CategoryTimeout covers request or connect deadlines expiring.
	CategoryTimeout
	// CategoryTransport covers socket-level failures (refused, reset, EOF).
	CategoryTransport
	// CategoryProtocol covers malformed frames, MBAP mismatches, Modbus
	// exception responses and template parse failures. Not retried in-tick.
	CategoryProtocol
	// CategoryConfig covers invalid device or channel specifications.
	CategoryConfig
	// CategoryValidation covers failures raised by validator/transformer code.
	CategoryValidation
	// CategoryDiscovery covers inconclusive ground-truth sessions.
	CategoryDiscovery
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryTimeout:
		return "timeout"
	case CategoryTransport:
		return "transport"
	case CategoryProtocol:
		return "protocol"
	case CategoryConfig:
		return "config"
	case CategoryValidation:
		return "validation"
	case CategoryDiscovery:
		return "discovery"
	}
	return "unknown"
}

// ClassifiedError is the error type used on every failure path of the core.
// Exception holds the Modbus exception sub-code when the remote unit answered
// with an exception function; it is zero otherwise.
type ClassifiedError struct {
	Category  ErrorCategory
	Exception byte
	msg       string
	cause     error
}

func (e *ClassifiedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.cause)
	}
	return e.msg
}

func (e *ClassifiedError) Unwrap() error {
	return e.cause
}

// Is reports category equality so callers can match with errors.Is against
// the sentinel values below.
func (e *ClassifiedError) Is(target error) bool {
	t, ok := target.(*ClassifiedError)
	if !ok {
		return false
	}
	return t.msg == "" && t.Exception == 0 && t.Category == e.Category
}

// Sentinels for errors.Is matching on category alone.
var (
	ErrTimeout   = &ClassifiedError{Category: CategoryTimeout}
	ErrTransport = &ClassifiedError{Category: CategoryTransport}
	ErrProtocol  = &ClassifiedError{Category: CategoryProtocol}
)

// TimeoutErrorF builds a CategoryTimeout error.
func TimeoutErrorF(format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Category: CategoryTimeout, msg: fmt.Sprintf(format, args...)}
}

// TransportErrorF builds a CategoryTransport error.
func TransportErrorF(format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Category: CategoryTransport, msg: fmt.Sprintf(format, args...)}
}

// ProtocolErrorF builds a CategoryProtocol error.
func ProtocolErrorF(format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Category: CategoryProtocol, msg: fmt.Sprintf(format, args...)}
}

// ConfigErrorF builds a CategoryConfig error.
func ConfigErrorF(format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Category: CategoryConfig, msg: fmt.Sprintf(format, args...)}
}

// ValidationErrorF builds a CategoryValidation error.
func ValidationErrorF(format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Category: CategoryValidation, msg: fmt.Sprintf(format, args...)}
}

// DiscoveryErrorF builds a CategoryDiscovery error. Discovery errors carry a
// diagnostic for the operator and are never persisted as templates.
func DiscoveryErrorF(format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Category: CategoryDiscovery, msg: fmt.Sprintf(format, args...)}
}

// wrapTimeout and wrapTransport attach a cause while classifying it.
func wrapTimeout(msg string, cause error) *ClassifiedError {
	return &ClassifiedError{Category: CategoryTimeout, msg: msg, cause: cause}
}

func wrapTransport(msg string, cause error) *ClassifiedError {
	return &ClassifiedError{Category: CategoryTransport, msg: msg, cause: cause}
}

// Standard Modbus exception sub-code names.
var exceptionNames = map[byte]string{
	1:  "illegal function",
	2:  "illegal data address",
	3:  "illegal data value",
	4:  "server device failure",
	5:  "acknowledge",
	6:  "server busy",
	8:  "memory parity error",
	10: "gateway path unavailable",
	11: "gateway target failed to respond",
}

// ExceptionError builds a CategoryProtocol error for a Modbus exception
// response, preserving the sub-code.
func ExceptionError(function byte, code byte) *ClassifiedError {
	name, ok := exceptionNames[code]
	if !ok {
		name = "unknown exception"
	}
	return &ClassifiedError{
		Category:  CategoryProtocol,
		Exception: code,
		msg:       fmt.Sprintf("modbus exception on function 0x%02x: %s (code %d)", function, name, code),
	}
}

// CategoryOf extracts the category from an error chain, CategoryUnknown when
// the chain carries no classified error. A ConfigError (the validator's
// multi-violation report) classifies as CategoryConfig.
func CategoryOf(err error) ErrorCategory {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	var cfg *ConfigError
	if errors.As(err, &cfg) {
		return CategoryConfig
	}
	return CategoryUnknown
}

// IsTimeout reports whether the error chain is a classified timeout.
func IsTimeout(err error) bool {
	return CategoryOf(err) == CategoryTimeout
}

// retryable reports whether a read failure consumes in-tick retry budget.
// Protocol errors are never retried within a tick; the frame will not improve.
func retryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryTimeout, CategoryTransport:
		return true
	}
	return false
}
