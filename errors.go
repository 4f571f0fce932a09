package conveyor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flexforge/conveyor/internal/history"
)

// Common sentinel errors for the conveyor package.
var (
	// ErrClosed is returned when operations are attempted on a closed monitor.
	ErrClosed = errors.New("monitor is closed")

	// ErrInvalidConfig is returned when a configuration fails validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSensorRead is returned when a snapshot could not be read.
	ErrSensorRead = errors.New("sensor read failed")

	// ErrDeliveryFailed is returned when a gateway delivery failed.
	ErrDeliveryFailed = errors.New("gateway delivery failed")

	// ErrAlertTableFull is reported when an alert was dropped for capacity.
	ErrAlertTableFull = errors.New("alert table full")

	// ErrUnknownAlertType is returned for an alert name that does not exist.
	ErrUnknownAlertType = errors.New("unknown alert type")
)

// ErrorCode classifies system faults.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorSensorInitFailed
	ErrorSensorReadTimeout
	ErrorSensorDataInvalid
	ErrorI2CCommunication
	ErrorMemoryAllocation
	ErrorGatewayInitFailed
	ErrorGatewaySendFailed
	ErrorConfigValidation
	ErrorTelemetryFormat
	ErrorBufferOverflow
	ErrorInvalidParameter
)

var errorCodeNames = [...]string{
	ErrorNone:              "no error",
	ErrorSensorInitFailed:  "sensor initialization failed",
	ErrorSensorReadTimeout: "sensor read timeout",
	ErrorSensorDataInvalid: "invalid sensor data",
	ErrorI2CCommunication:  "I2C communication error",
	ErrorMemoryAllocation:  "memory allocation error",
	ErrorGatewayInitFailed: "gateway initialization failed",
	ErrorGatewaySendFailed: "gateway send failed",
	ErrorConfigValidation:  "configuration validation error",
	ErrorTelemetryFormat:   "telemetry formatting error",
	ErrorBufferOverflow:    "buffer overflow",
	ErrorInvalidParameter:  "invalid parameter",
}

func (c ErrorCode) String() string {
	if c >= 0 && int(c) < len(errorCodeNames) {
		return errorCodeNames[c]
	}
	return fmt.Sprintf("error(%d)", int(c))
}

// Severity grades a fault.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// DefaultSeverity returns the severity a code carries when none is given.
func (c ErrorCode) DefaultSeverity() Severity {
	switch c {
	case ErrorNone:
		return SeverityInfo
	case ErrorSensorDataInvalid, ErrorTelemetryFormat:
		return SeverityWarning
	case ErrorSensorInitFailed, ErrorMemoryAllocation, ErrorGatewayInitFailed, ErrorInvalidParameter:
		return SeverityCritical
	}
	return SeverityError
}

// Error is a classified fault with optional context and cause.
type Error struct {
	Code     ErrorCode
	Severity Severity
	Context  string
	Cause    error
}

// NewError creates an Error with the code's default severity.
func NewError(code ErrorCode, context string, cause error) *Error {
	return &Error{Code: code, Severity: code.DefaultSeverity(), Context: context, Cause: cause}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Context != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Context)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements error matching for Error.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case ErrorSensorInitFailed, ErrorSensorReadTimeout, ErrorSensorDataInvalid, ErrorI2CCommunication:
		return target == ErrSensorRead
	case ErrorGatewayInitFailed, ErrorGatewaySendFailed:
		return target == ErrDeliveryFailed
	case ErrorConfigValidation, ErrorInvalidParameter:
		return target == ErrInvalidConfig
	case ErrorBufferOverflow:
		return target == ErrAlertTableFull
	}
	return false
}

// ErrorRecord is one tracked fault.
type ErrorRecord struct {
	Code     ErrorCode `json:"code"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}

const errorHistorySize = 10

// ErrorTracker remembers the most recent faults. It is safe for concurrent
// use.
type ErrorTracker struct {
	mu         sync.Mutex
	codes      *history.Ring[ErrorCode]
	severities *history.Ring[Severity]
	times      *history.Ring[int64]
	total      int
}

// NewErrorTracker creates an empty tracker.
func NewErrorTracker() *ErrorTracker {
	return &ErrorTracker{
		codes:      history.New[ErrorCode](errorHistorySize),
		severities: history.New[Severity](errorHistorySize),
		times:      history.New[int64](errorHistorySize),
	}
}

// Record tracks err at ts. Errors that are not an *Error are tracked as
// ErrorNone with SeverityError.
func (t *ErrorTracker) Record(err error, ts time.Time) {
	if err == nil {
		return
	}
	code, sev := ErrorNone, SeverityError
	var e *Error
	if errors.As(err, &e) {
		code, sev = e.Code, e.Severity
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codes.Push(code)
	t.severities.Push(sev)
	t.times.Push(ts.UnixNano())
	t.total++
}

// HasCritical reports whether a critical fault is among the tracked ones.
func (t *ErrorTracker) HasCritical() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.severities.All() {
		if s == SeverityCritical {
			return true
		}
	}
	return false
}

// Last returns the most recent fault code, or ErrorNone.
func (t *ErrorTracker) Last() ErrorCode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.codes.IsEmpty() {
		return ErrorNone
	}
	return t.codes.Newest()
}

// Count returns how many faults were recorded since the last Clear.
func (t *ErrorTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Recent returns up to n tracked faults, newest first.
func (t *ErrorTracker) Recent(n int) []ErrorRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	size := t.codes.Len()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]ErrorRecord, 0, n)
	for i := size - 1; i >= size-n; i-- {
		out = append(out, ErrorRecord{
			Code:     t.codes.At(i),
			Severity: t.severities.At(i),
			Time:     time.Unix(0, t.times.At(i)).UTC(),
		})
	}
	return out
}

// Clear forgets all faults.
func (t *ErrorTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.codes.Clear()
	t.severities.Clear()
	t.times.Clear()
	t.total = 0
}
