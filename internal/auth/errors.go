package auth

import "errors"

// Validation errors: user-correctable input problems, returned synchronously.
var (
	// ErrPasswordMismatch means password and confirmation differ.
	ErrPasswordMismatch = errors.New("passwords do not match")
	// ErrPasswordLength means the password is outside the configured bounds.
	ErrPasswordLength = errors.New("password length out of bounds")
	// ErrSamePassword means the new password equals the current one.
	ErrSamePassword = errors.New("new password is the same as the old one")
)

// Authentication errors: wrong credentials or wrong state, logged at info.
var (
	// ErrIncorrectPassword means the supplied password does not match.
	ErrIncorrectPassword = errors.New("incorrect password")
	// ErrNotRegistered means the operation requires a registered identity.
	ErrNotRegistered = errors.New("not registered")
	// ErrAlreadyRegistered means the identity is already registered.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrAlreadyLoggedIn means the identity is already authenticated.
	ErrAlreadyLoggedIn = errors.New("already logged in")
	// ErrNotLoggedIn means the operation requires an authenticated session.
	ErrNotLoggedIn = errors.New("not logged in")
)
