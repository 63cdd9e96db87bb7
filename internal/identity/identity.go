// Package identity verifies bearer credentials and resolves them to the
// stable user identity owned by the platform's account system.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredential covers missing, malformed, expired or badly
	// signed credentials.
	ErrInvalidCredential = errors.New("identity: invalid credential")

	// ErrUnknownUser is returned when a credential is valid but names a user
	// that no longer exists.
	ErrUnknownUser = errors.New("identity: unknown user")
)

// User is the read-only identity of an authenticated user.
type User struct {
	ID   int64
	Name string
}

// Verifier validates a credential and returns the user it belongs to.
type Verifier interface {
	Verify(ctx context.Context, credential string) (User, error)
}

// Directory resolves user ids to users. It is implemented by the history
// store, which reads the platform's users table.
type Directory interface {
	LookupUser(ctx context.Context, id int64) (User, error)
}

// IsAuthFailure reports whether err is an authentication failure as opposed
// to an infrastructure error.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrUnknownUser)
}
