package msgcenter

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned synchronously when message content is rejected locally.
	ErrValidation = errors.New("validation failed")
	// ErrTransportDropped marks an unexpected loss of the live connection.
	ErrTransportDropped = errors.New("transport dropped")
	// ErrTransportExhausted is surfaced once reconnect attempts are used up.
	ErrTransportExhausted = errors.New("transport reconnect attempts exhausted")
	// ErrHeartbeatTimeout marks a connection whose pong did not arrive in time.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrSendTimeout marks a message that was not acknowledged within the deadline.
	ErrSendTimeout = errors.New("send timeout")
	// ErrSendRejected marks a message the server explicitly refused.
	ErrSendRejected = errors.New("send rejected")
	// ErrFetchFailed marks a failed conversation snapshot request.
	ErrFetchFailed = errors.New("conversation fetch failed")
	// ErrNotConnected is returned for ephemeral frames while the channel is down.
	ErrNotConnected = errors.New("not connected")
	// ErrQueueFull is returned when the outbound queue is at capacity.
	ErrQueueFull = errors.New("outbound queue full")
	// ErrUnknownMessage is returned for commands on a clientId the pipeline does not hold.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrNotRetryable is returned when Retry is called on a message that has not failed.
	ErrNotRetryable = errors.New("message is not in failed state")
	// ErrClosed is returned by components after Close.
	ErrClosed = errors.New("message center closed")
)

// ValidationError describes why content was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransportError is delivered to state subscribers when the channel drops or gives up.
type TransportError struct {
	// Kind is ErrTransportDropped or ErrTransportExhausted.
	Kind    error
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v (attempt %d): %v", e.Kind, e.Attempt, e.Err)
	}
	return fmt.Sprintf("%v (attempt %d)", e.Kind, e.Attempt)
}

func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// SendError is recorded on a failed message.
type SendError struct {
	ClientID string
	// Kind is ErrSendTimeout, ErrSendRejected or ErrQueueFull.
	Kind   error
	Code   string
	Reason string
}

func (e *SendError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("message %s: %v: %s", e.ClientID, e.Kind, e.Reason)
	}
	return fmt.Sprintf("message %s: %v", e.ClientID, e.Kind)
}

func (e *SendError) Unwrap() error { return e.Kind }

// FetchError describes a failed snapshot request.
type FetchError struct {
	StatusCode int
	Attempt    int
	API        *APIError
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.API != nil:
		return fmt.Sprintf("fetch conversations: HTTP %d: %v", e.StatusCode, e.API)
	case e.Err != nil:
		return fmt.Sprintf("fetch conversations: %v", e.Err)
	}
	return fmt.Sprintf("fetch conversations: HTTP %d", e.StatusCode)
}

func (e *FetchError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrFetchFailed, e.Err}
	}
	return []error{ErrFetchFailed}
}
