// ABOUTME: Client-visible error codes and the error type handlers return
// ABOUTME: Anything that is not a clientError is reported as INTERNAL_ERROR

package gateway

import (
	"errors"
	"time"

	"github.com/2389/coven-relay/internal/protocol"
)

// Error codes sent in error events, failed acks and aiError.
const (
	CodeConnectRequired     = "CONNECT_REQUIRED"
	CodeAlreadyConnected    = "ALREADY_CONNECTED"
	CodeInvalidFrame        = "INVALID_FRAME"
	CodeInvalidPayload      = "INVALID_PAYLOAD"
	CodeUnknownEvent        = "UNKNOWN_EVENT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotConnected        = "NOT_CONNECTED"
	CodeNotInRoom           = "NOT_IN_ROOM"
	CodeInvalidModel        = "INVALID_MODEL"
	CodeProviderNotFound    = "PROVIDER_NOT_FOUND"
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeAllProvidersFailed  = "ALL_PROVIDERS_FAILED"
	CodeProviderError       = "PROVIDER_ERROR"
	CodeInternal            = "INTERNAL_ERROR"
)

// clientError is an error whose message is safe to show the client.
type clientError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *clientError) Error() string {
	return e.Code + ": " + e.Message
}

var errInternal = &clientError{Code: CodeInternal, Message: "internal error"}

func notInRoom(roomID string) *clientError {
	return &clientError{Code: CodeNotInRoom, Message: "not a member of room " + roomID}
}

// decodeError maps protocol decode failures to client errors.
func decodeError(err error) *clientError {
	switch {
	case errors.Is(err, protocol.ErrUnknownEvent):
		return &clientError{Code: CodeUnknownEvent, Message: err.Error()}
	case errors.Is(err, protocol.ErrMalformedPayload):
		return &clientError{Code: CodeInvalidPayload, Message: err.Error()}
	default:
		return &clientError{Code: CodeInvalidPayload, Message: "invalid payload"}
	}
}
