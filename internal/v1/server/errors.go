package server

import (
	"errors"

	"github.com/collabhub/broker/internal/v1/store"
)

// classifyError maps a Store sentinel (or any other handler error) to the
// wire-level error code/message pair a request reply carries, per the
// broker's error handling policy: a client should be able to branch on code
// without parsing prose, but message still carries a human-readable detail
// for logs and debugging UIs.
func classifyError(err error) (code, message string) {
	switch {
	case errors.Is(err, store.ErrUnknownConnection):
		return "unknown_connection", err.Error()
	case errors.Is(err, store.ErrUnknownRoom):
		return "unknown_room", err.Error()
	case errors.Is(err, store.ErrUnknownProject):
		return "unknown_project", err.Error()
	case errors.Is(err, store.ErrUnknownChannel):
		return "unknown_channel", err.Error()
	case errors.Is(err, store.ErrPermissionDenied):
		return "permission_denied", err.Error()
	case errors.Is(err, store.ErrInvalidArgument):
		return "invalid_argument", err.Error()
	case errors.Is(err, store.ErrAlreadyInRoom):
		return "already_in_room", err.Error()
	case errors.Is(err, store.ErrInvariantViolation):
		return "internal", "internal error"
	default:
		return "internal", err.Error()
	}
}
