package account

import (
	"errors"
	"fmt"
)

// Command and lookup errors.
var (
	// ErrDuplicate is returned when adding an account number that is already registered
	ErrDuplicate = errors.New("account already registered")

	// ErrNotFound is returned when a command targets an unregistered account
	ErrNotFound = errors.New("account not found")

	// ErrBusy is returned when another lifecycle command is in flight for the account
	ErrBusy = errors.New("account busy")

	// ErrInvalidAccount is returned for account numbers that cannot be registered
	ErrInvalidAccount = errors.New("invalid account number")
)

// Webhook rejections. They never affect account status.
var (
	ErrAuth               = errors.New("unauthorized")
	ErrMalformedSignal    = errors.New("malformed signal")
	ErrAccountNotFound    = errors.New("signal account not found")
	ErrAccountUnavailable = errors.New("signal account unavailable")
)

// SpawnError reports a failure to launch an account's terminal.
type SpawnError struct {
	Account string
	Reason  string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Account, e.Reason, e.Err)
	}
	return fmt.Sprintf("spawn %s: %s", e.Account, e.Reason)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TerminateError reports that a process could not be confirmed gone.
type TerminateError struct {
	Account string
	PID     int
	Reason  string
	Err     error
}

func (e *TerminateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("terminate %s (pid %d): %s: %v", e.Account, e.PID, e.Reason, e.Err)
	}
	return fmt.Sprintf("terminate %s (pid %d): %s", e.Account, e.PID, e.Reason)
}

func (e *TerminateError) Unwrap() error {
	return e.Err
}

// Reason codes used on the wire.
const (
	ReasonDuplicate          = "duplicate"
	ReasonNotFound           = "not_found"
	ReasonBusy               = "busy"
	ReasonInvalidAccount     = "invalid_account"
	ReasonSpawnFailed        = "spawn_failed"
	ReasonTerminateFailed    = "terminate_failed"
	ReasonMalformedSignal    = "malformed_signal"
	ReasonAccountNotFound    = "account_not_found"
	ReasonAccountUnavailable = "account_unavailable"
	ReasonUnauthorized       = "unauthorized"
	ReasonInternal           = "internal"
)

// Reason maps an error to its stable reason code.
func Reason(err error) string {
	var spawnErr *SpawnError
	var termErr *TerminateError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &spawnErr):
		return ReasonSpawnFailed
	case errors.As(err, &termErr):
		return ReasonTerminateFailed
	case errors.Is(err, ErrDuplicate):
		return ReasonDuplicate
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrBusy):
		return ReasonBusy
	case errors.Is(err, ErrInvalidAccount):
		return ReasonInvalidAccount
	case errors.Is(err, ErrAuth):
		return ReasonUnauthorized
	case errors.Is(err, ErrMalformedSignal):
		return ReasonMalformedSignal
	case errors.Is(err, ErrAccountNotFound):
		return ReasonAccountNotFound
	case errors.Is(err, ErrAccountUnavailable):
		return ReasonAccountUnavailable
	default:
		return ReasonInternal
	}
}
