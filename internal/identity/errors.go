package identity

import (
	"errors"
	"fmt"
)

// AuthenticationErrorKind classifies deliberate policy rejections.
type AuthenticationErrorKind string

const (
	// SignupDisabled rejects new accounts for providers that disallow sign-up.
	SignupDisabled AuthenticationErrorKind = "signup_disabled"
	// DuplicateEmail rejects new accounts whose email belongs to another account.
	DuplicateEmail AuthenticationErrorKind = "email_already_exists"
)

var (
	// ErrUserNotFound indicates no persisted user matched the login.
	ErrUserNotFound = errors.New("identity.user_not_found")
	// ErrOrganizationNotFound indicates the default organization row is missing.
	ErrOrganizationNotFound = errors.New("identity.organization_not_found")
)

// AuthenticationError is a policy rejection raised by the registrar. Message is
// the internal diagnostic; PublicMessage is safe to show to the end user.
type AuthenticationError struct {
	Kind          AuthenticationErrorKind
	Source        Source
	Login         string
	Message       string
	PublicMessage string
}

// Error returns the internal diagnostic message.
func (authenticationError *AuthenticationError) Error() string {
	return authenticationError.Message
}

// AsAuthenticationError unwraps err into an AuthenticationError when possible.
func AsAuthenticationError(err error) (*AuthenticationError, bool) {
	var authenticationError *AuthenticationError
	if errors.As(err, &authenticationError) {
		return authenticationError, true
	}
	return nil, false
}

func newSignupDisabledError(source Source, login string, providerKey string) *AuthenticationError {
	return &AuthenticationError{
		Kind:          SignupDisabled,
		Source:        source,
		Login:         login,
		Message:       fmt.Sprintf("User signup disabled for provider '%s'", providerKey),
		PublicMessage: fmt.Sprintf("'%s' users are not allowed to sign up", providerKey),
	}
}

func newDuplicateEmailError(source Source, login string, email string) *AuthenticationError {
	return &AuthenticationError{
		Kind:    DuplicateEmail,
		Source:  source,
		Login:   login,
		Message: fmt.Sprintf("Email '%s' is already used", email),
		PublicMessage: fmt.Sprintf(
			"You can't sign up because email '%s' is already used by an existing user. This means that you probably already registered with another account.",
			email),
	}
}
