package domain

import "errors"

// ErrorCode is the wire-level error code carried by every failure response.
type ErrorCode string

const (
	CodeGeneral      ErrorCode = "GENERAL"
	CodeDatabase     ErrorCode = "DATABASE"
	CodeIOError      ErrorCode = "IOERROR"
	CodeAuthDenied   ErrorCode = "AUTH_DENIED"
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
	CodeAPIMismatch  ErrorCode = "API_MISMATCH"
)

// Sentinel errors for the protocol. Handlers translate these into wire codes;
// everything below the API layer wraps them with fmt.Errorf("...: %w", ...).
var (
	// ErrLocked is returned when a run name is already held by a live session.
	ErrLocked = errors.New("run name is locked by a live session")

	// ErrCapacityExceeded is returned when the server has no free run slot.
	ErrCapacityExceeded = errors.New("maximum number of simultaneous runs reached")

	// ErrProtocolOrder is returned when a method is called outside the state
	// that its contract requires.
	ErrProtocolOrder = errors.New("call not valid in the session's current state")

	// ErrFilesMissing is returned by beginChecking while needed files are
	// still outstanding.
	ErrFilesMissing = errors.New("required files have not been supplied")

	// ErrNotFound covers unknown tokens and unknown content hashes.
	ErrNotFound = errors.New("not found")

	// ErrIntegrity signals a content-hash collision: bytes arriving under an
	// already-stored hash differ from the stored bytes.
	ErrIntegrity = errors.New("content hash integrity violation")

	// ErrDatabase tags failures of the persistent store.
	ErrDatabase = errors.New("database failure")

	// ErrIO tags filesystem failures inside a run workspace.
	ErrIO = errors.New("i/o failure")
)

// CodeFor maps an internal error to its wire code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrDatabase):
		return CodeDatabase
	case errors.Is(err, ErrIO), errors.Is(err, ErrIntegrity):
		return CodeIOError
	default:
		return CodeGeneral
	}
}
