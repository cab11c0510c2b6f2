package auth

import (
	"errors"
	"fmt"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/session"
	"github.com/ovaphlow/pitchfork/service-account-go/internal/user"
)

var (
	ErrInvalidCredentials   = errors.New("invalid login credentials")
	ErrSessionNotFound      = errors.New("session not found")
	ErrEmailTaken           = errors.New("email already registered")
	ErrEmailNotConfirmed    = errors.New("email not confirmed")
	ErrSecondFactorRequired = errors.New("second factor required")
	ErrInvalidCode          = errors.New("invalid or expired code")
	ErrLocked               = errors.New("account temporarily locked")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidState         = errors.New("invalid oauth state")
	ErrProviderUnsupported  = errors.New("provider not supported")
)

var codeErrors = map[string]error{
	"invalid_credentials":    ErrInvalidCredentials,
	"session_not_found":      ErrSessionNotFound,
	"email_taken":            ErrEmailTaken,
	"email_not_confirmed":    ErrEmailNotConfirmed,
	"second_factor_required": ErrSecondFactorRequired,
	"invalid_code":           ErrInvalidCode,
	"locked":                 ErrLocked,
	"invalid_input":          ErrInvalidInput,
	"invalid_state":          ErrInvalidState,
	"provider_unsupported":   ErrProviderUnsupported,
}

// AuthError is returned by every Client operation. Code is stable and safe
// to show to callers; Err carries the underlying cause.
type AuthError struct {
	Op   string
	Code string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth %s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("auth %s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Code, so errors.Is(err, ErrLocked) works
// regardless of the wrapped cause.
func (e *AuthError) Is(target error) bool {
	s, ok := codeErrors[e.Code]
	return ok && s == target
}

func newErr(op, code string, cause error) error {
	return &AuthError{Op: op, Code: code, Err: cause}
}

// wrap translates lower-layer errors into AuthError codes. Unknown errors
// keep the "unexpected" code.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, user.ErrBadCredentials), errors.Is(err, user.ErrDisabled), errors.Is(err, user.ErrUserNotFound):
		return newErr(op, "invalid_credentials", err)
	case errors.Is(err, user.ErrLocked):
		return newErr(op, "locked", err)
	case errors.Is(err, user.ErrEmailTaken):
		return newErr(op, "email_taken", err)
	case errors.Is(err, user.ErrInvalidEmail), errors.Is(err, user.ErrWeakPassword), errors.Is(err, user.ErrInvalidName):
		return newErr(op, "invalid_input", err)
	case errors.Is(err, session.ErrNotFound):
		return newErr(op, "session_not_found", err)
	case errors.Is(err, session.ErrNoCode):
		return newErr(op, "invalid_code", err)
	}
	return newErr(op, "unexpected", err)
}

// CodeOf returns the AuthError code of err, or "" if err is not one.
func CodeOf(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
