package server

import (
	"errors"

	"securemsg/auth"
	"securemsg/directory"
	"securemsg/protocol"
	"securemsg/session"
	"securemsg/store"
)

// errorType maps a service error to the coarse error_type string carried
// on the wire. Anything unmapped is reported as internal; the detail
// stays in the server log.
func errorType(err error) string {
	switch {
	case errors.Is(err, auth.ErrDuplicateUsername):
		return "duplicate_username"
	case errors.Is(err, auth.ErrWeakSecret):
		return "weak_secret"
	case errors.Is(err, auth.ErrInvalidUsername):
		return "invalid_username"
	case errors.Is(err, auth.ErrBadCredentials):
		return "bad_credentials"
	case errors.Is(err, auth.ErrUnknownUser), errors.Is(err, directory.ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, directory.ErrSelfContact):
		return "self_contact"
	case errors.Is(err, directory.ErrContactExists):
		return "contact_exists"
	case errors.Is(err, directory.ErrUnknownContact):
		return "unknown_contact"
	case errors.Is(err, session.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, session.ErrSessionRevoked), errors.Is(err, session.ErrInvalidToken):
		return "unknown_session"
	case errors.Is(err, store.ErrStoreBusy):
		return "store_busy"
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, protocol.ErrUnknownTag):
		return "unknown_tag"
	default:
		return "internal"
	}
}
