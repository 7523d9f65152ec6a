package room

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotIdentified    = errors.New("room not identified")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrHistoryFetchFailed   = errors.New("history fetch failed")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrEmptyMessage         = errors.New("empty message")
	ErrHistoryNotLoaded     = errors.New("history not loaded")
	ErrClosed               = errors.New("room session closed")
)

// HistoryError describes a failed history fetch. Status is the HTTP status
// of the response, or 0 when no response arrived at all.
type HistoryError struct {
	Status  int
	Message string // server supplied text, may be empty
	Err     error
}

func (e *HistoryError) Error() string {
	switch {
	case e.Status == 0 && e.Err != nil:
		return fmt.Sprintf("history fetch failed: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("history fetch failed (%d): %s", e.Status, e.Message)
	default:
		return fmt.Sprintf("history fetch failed (%d)", e.Status)
	}
}

func (e *HistoryError) Unwrap() error { return e.Err }

func (e *HistoryError) Is(target error) bool { return target == ErrHistoryFetchFailed }

// Retryable reports whether the fetch never got a response, e.g. a timeout
// or a refused connection, as opposed to the server rejecting it.
func (e *HistoryError) Retryable() bool { return e.Status == 0 }

// TransportError is a reason pushed by the server through an error event.
// It is shown to the user verbatim and never ends the session.
type TransportError struct {
	Message string
}

func (e *TransportError) Error() string {
	return "server error: " + e.Message
}
