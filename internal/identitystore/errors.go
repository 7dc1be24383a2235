package identitystore

import "errors"

// Kind tags an Error with the category of failure a caller should branch on.
// Spec.md §7 enumerates exactly these kinds; the core never returns a bare
// error from a public operation.
type Kind string

const (
	KindClientError           Kind = "client_error"
	KindUserNotFound          Kind = "user_not_found"
	KindGroupNotFound         Kind = "group_not_found"
	KindDomainError           Kind = "domain_error"
	KindServerError           Kind = "server_error"
	KindAuthenticationFailure Kind = "authentication_failure"
)

// Error is the tagged error variant spec.md §9 asks for in place of a
// checked-exception cascade. Callers match on Kind, never on message text.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ErrClient builds a ClientError.
func ErrClient(message string) *Error { return newErr(KindClientError, message, nil) }

// ErrUserNotFound builds a UserNotFound error.
func ErrUserNotFound(message string) *Error { return newErr(KindUserNotFound, message, nil) }

// ErrGroupNotFound builds a GroupNotFound error.
func ErrGroupNotFound(message string) *Error { return newErr(KindGroupNotFound, message, nil) }

// ErrDomain builds a DomainError.
func ErrDomain(message string) *Error { return newErr(KindDomainError, message, nil) }

// ErrServer wraps cause as a ServerError, e.g. a failed connector or resolver
// call surfaced to the caller after compensation.
func ErrServer(message string, cause error) *Error {
	return newErr(KindServerError, message, cause)
}

// ErrAuthFailure collapses any internal failure along the authentication
// path into a single AuthenticationFailure, per spec.md §7: the caller must
// not be able to tell whether the claim matched, the user existed, or the
// credential mismatched.
func ErrAuthFailure(message string) *Error {
	return newErr(KindAuthenticationFailure, message, nil)
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error, defaulting
// to KindServerError for anything else.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindServerError
}
