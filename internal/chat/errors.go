package chat

import "errors"

// Sentinel errors shared by the stores, the delivery core and the transport
// handlers. Handlers translate them into protocol error codes or HTTP status
// codes; everything else is treated as a persistence failure.
var (
	// ErrUnauthenticated indicates a missing, unknown or expired credential.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidMessage is returned for malformed send intents and edits.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrInvalidName is returned for display names outside the allowed length.
	ErrInvalidName = errors.New("invalid display name")

	// ErrNotFound indicates that a user or message does not exist, or that a
	// message has already been deleted.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when a user mutates a message they do not own.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when a display name is already taken.
	ErrConflict = errors.New("conflict")
)
