package calendar

import (
	"errors"
	"fmt"
)

// Error kinds shared by every gateway implementation.
var (
	// ErrConfig means credentials or settings are missing. Fatal at startup.
	ErrConfig = errors.New("configuration error")
	// ErrAuth means a token could not be obtained or was refused twice.
	ErrAuth = errors.New("authentication failed")
	// ErrRemoteRejected means the calendar refused the request (4xx).
	ErrRemoteRejected = errors.New("calendar rejected the request")
	// ErrRemoteUnavailable means a network failure, timeout or 5xx.
	ErrRemoteUnavailable = errors.New("calendar unavailable")
	// ErrInvalidInput means the payload failed local validation.
	ErrInvalidInput = errors.New("invalid input")
)

// RemoteError carries the details of a failed gateway call.
type RemoteError struct {
	Op         string
	Kind       error
	StatusCode int
	Body       string
	Cause      error
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *RemoteError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Rejected builds an ErrRemoteRejected error.
func Rejected(op string, status int, body string) error {
	return &RemoteError{Op: op, Kind: ErrRemoteRejected, StatusCode: status, Body: body}
}

// Unavailable builds an ErrRemoteUnavailable error.
func Unavailable(op string, status int, cause error) error {
	return &RemoteError{Op: op, Kind: ErrRemoteUnavailable, StatusCode: status, Cause: cause}
}

// AuthFailed builds an ErrAuth error.
func AuthFailed(op string, status int, cause error) error {
	return &RemoteError{Op: op, Kind: ErrAuth, StatusCode: status, Cause: cause}
}

// Describe turns an orchestrator error into a message fit for the chat user.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var remote *RemoteError
	switch {
	case errors.Is(err, ErrInvalidInput):
		return fmt.Sprintf("The request is incomplete or malformed: %v", err)
	case errors.As(err, &remote) && errors.Is(err, ErrRemoteRejected):
		if remote.Body != "" {
			return fmt.Sprintf("The calendar rejected the request: %s", remote.Body)
		}
		return "The calendar rejected the request."
	case errors.Is(err, ErrRemoteRejected):
		return "The calendar rejected the request."
	case errors.Is(err, ErrRemoteUnavailable):
		return "The calendar is temporarily unavailable, please try again."
	case errors.Is(err, ErrAuth):
		return "Could not authenticate with the calendar service."
	case errors.Is(err, ErrConfig):
		return "The calendar service is not configured."
	default:
		return fmt.Sprintf("Something went wrong: %v", err)
	}
}
