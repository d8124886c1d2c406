// Package identity models the externally owned principal and the stream of
// "current user changed" events a session observes.
package identity

import (
	"context"
	"strings"
)

// Identity is the authentication principal as reported by the identity provider.
// The application observes it and never mutates it.
type Identity struct {
	ID            string
	Email         string
	EmailVerified bool
	DisplayName   string
}

// Listener receives identity-change events. A nil identity means signed out.
type Listener func(current *Identity)

// Provider is the identity provider contract consumed by the role state machine.
type Provider interface {
	// Subscribe registers the listener and returns its disposer. The listener is
	// invoked once with the current identity and then on every change.
	Subscribe(listener Listener) func()
	// SignOut clears the current identity.
	SignOut(ctx context.Context) error
}

// Valid reports whether the identity carries a usable identifier.
func (i Identity) Valid() bool {
	return strings.TrimSpace(i.ID) != ""
}

// Clone returns a copy detached from the receiver.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	copied := *i
	return &copied
}
