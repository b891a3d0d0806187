// Package users implements the credential store: persisted user records
// looked up by username, plus the adaptive password hasher used to verify
// them.
package users

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no user has the requested username.
	ErrNotFound = errors.New("user not found")
	// ErrExists is returned by Add when the username is already taken.
	ErrExists = errors.New("user already exists")
	// ErrInvalidUser is returned by Add for records missing a username or hash.
	ErrInvalidUser = errors.New("username and password hash are required")
)

// User is a persisted credential record. Records are created by
// provisioning and only ever mutated by login (LastLogin).
type User struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"passwordHash"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
}

// Store is a by-username credential lookup.
type Store interface {
	// Find returns the user with the given username or ErrNotFound.
	Find(ctx context.Context, username string) (*User, error)
	// Add provisions a new user. It returns ErrExists if the username is taken.
	Add(ctx context.Context, user User) error
	// UpdateLastLogin stamps the user's last successful login time.
	UpdateLastLogin(ctx context.Context, username string, at time.Time) error
	// List returns all usernames in a stable order.
	List(ctx context.Context) ([]string, error)
}

func validateNew(u User) error {
	if u.Username == "" || u.PasswordHash == "" {
		return ErrInvalidUser
	}
	return nil
}
