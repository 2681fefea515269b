package auth

import "errors"

// Verification failure taxonomy. All of these surface to the client as a
// single AUTHENTICATION_FAILED error event; the distinction is for logs and
// metrics.
var (
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenInvalid          = errors.New("token invalid")
	ErrTokenRevoked          = errors.New("token revoked")
	ErrIdentityNotFound      = errors.New("identity not found")
	ErrIdentityInactive      = errors.New("identity inactive")
	ErrIdentityLookupTimeout = errors.New("identity lookup timed out")
)

// Terminal reports whether err is one of the verification failures, as
// opposed to an infrastructure error that the caller may want to retry.
func Terminal(err error) bool {
	return errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenInvalid) ||
		errors.Is(err, ErrTokenRevoked) ||
		errors.Is(err, ErrIdentityNotFound) ||
		errors.Is(err, ErrIdentityInactive) ||
		errors.Is(err, ErrIdentityLookupTimeout)
}
