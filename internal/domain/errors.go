package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound = errors.New("no provider found for model")
	ErrInvalidRequest   = errors.New("invalid request")
)

// UpstreamError is a non-2xx answer from a backend. The status and the parsed
// error body are surfaced to the caller unchanged.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       json.RawMessage
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s error: status=%d body=%s", e.Provider, e.StatusCode, string(e.Body))
}

// ProtocolError means a vendor payload could not be mapped to the canonical
// shape, which usually indicates a vendor contract change.
type ProtocolError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s protocol error: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s protocol error: %s", e.Provider, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TransportError is a network failure before any HTTP status was obtained.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
