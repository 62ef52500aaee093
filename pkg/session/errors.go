package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRejected means the identity service refused the credential.
	// Fatal for that open attempt; never retried automatically.
	ErrAuthRejected = errors.New("credential rejected by server")

	// ErrNetworkUnavailable means no transport path to the server exists.
	ErrNetworkUnavailable = errors.New("no transport path to server")

	// ErrNotConnected is a caller error: the operation needs an open
	// session. The core does not queue work across a disconnect.
	ErrNotConnected = errors.New("session is not open")

	// ErrDeliveryUnconfirmed means an optimistic mutation saw neither an
	// authoritative echo nor a rejection inside the confirmation window.
	// The predicted delta has already been rolled back.
	ErrDeliveryUnconfirmed = errors.New("optimistic mutation unconfirmed before deadline")

	// ErrRejected is the sentinel all server-side mutation rejections
	// unwrap to.
	ErrRejected = errors.New("mutation rejected by server")
)

// RejectError carries the server's rejection detail. errors.Is(err,
// ErrRejected) matches it.
type RejectError struct {
	Code    string
	Message string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("mutation rejected by server: %s (%s)", e.Message, e.Code)
}

func (e *RejectError) Unwrap() error { return ErrRejected }
