package dtn

import (
	"fmt"
)

// Error codes for routing operations
const (
	// Lookup errors
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeItemNotAvail  = "ITEM_NOT_AVAILABLE"
	ErrCodeDatasetNotAvl = "DATASET_NOT_AVAILABLE"
	ErrCodeSelectorStale = "SELECTOR_STALE"

	// Transfer errors
	ErrCodeAlreadyInTransit = "ALREADY_IN_TRANSIT"
	ErrCodeNoMoreTransfers  = "NO_MORE_TRANSFERS_AVAILABLE"
	ErrCodeRetryLimit       = "RETRY_LIMIT_REACHED"

	// Protocol errors
	ErrCodeHandshakeDecode = "HANDSHAKE_DECODE"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeCircuitOpen     = "CIRCUIT_OPEN"

	// Configuration errors
	ErrCodeInvalidConfig = "INVALID_CONFIG"
)

// Error carries a code for programmatic handling plus context for logs.
type Error struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so the sentinels below work with
// errors.Is regardless of context or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates an Error without a cause.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError creates an Error wrapping cause.
func WrapError(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound            = NewError(ErrCodeNotFound, "not found")
	ErrItemNotAvailable    = NewError(ErrCodeItemNotAvail, "handshake item not available")
	ErrDatasetNotAvailable = NewError(ErrCodeDatasetNotAvl, "no routing data for neighbor")
	ErrSelectorStale       = NewError(ErrCodeSelectorStale, "neighbor summary vector expired")
	ErrAlreadyInTransit    = NewError(ErrCodeAlreadyInTransit, "bundle already in transit")
	ErrNoMoreTransfers     = NewError(ErrCodeNoMoreTransfers, "no transfer slots available")
	ErrHandshakeDecode     = NewError(ErrCodeHandshakeDecode, "malformed handshake")
	ErrRateLimited         = NewError(ErrCodeRateLimited, "rate limited")
	ErrCircuitOpen         = NewError(ErrCodeCircuitOpen, "circuit breaker open")
	ErrInvalidConfig       = NewError(ErrCodeInvalidConfig, "invalid configuration")
)

// Common error constructors

func ErrPeerNotFound(peer EID) *Error {
	return NewError(ErrCodeNotFound, "peer not found").
		WithContext("peer", peer.String())
}

func ErrItemMissing(item uint64) *Error {
	return NewError(ErrCodeItemNotAvail, "handshake item not available").
		WithContext("item", item)
}

// ErrDecode reports malformed handshake input.
func ErrDecode(message string, cause error) *Error {
	return WrapError(ErrCodeHandshakeDecode, message, cause)
}

func ErrInTransit(peer EID, id BundleID) *Error {
	return NewError(ErrCodeAlreadyInTransit, "bundle already in transit").
		WithContext("peer", peer.String()).
		WithContext("bundle", id.String())
}

func ErrConfig(field string, cause error) *Error {
	return WrapError(ErrCodeInvalidConfig, "invalid configuration", cause).
		WithContext("field", field)
}
