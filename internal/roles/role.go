// Package roles resolves the authorization role of the signed-in identity and
// decides whether role-gated routes render or redirect.
package roles

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is an authorization tier. The zero value is the null role: no profile, an
// unauthenticated session, or a failed lookup.
type Role string

const (
	RoleNone  Role = ""
	RoleUser  Role = "user"
	RoleOwner Role = "owner"
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

// ErrUnknownRole indicates a role value outside the supported set.
var ErrUnknownRole = errors.New("roles: unknown role")

// ParseRole normalizes raw input. Empty input yields RoleNone.
func ParseRole(raw string) (Role, error) {
	switch normalized := Role(strings.ToLower(strings.TrimSpace(raw))); normalized {
	case RoleNone, RoleUser, RoleOwner, RoleAgent, RoleAdmin:
		return normalized, nil
	default:
		return RoleNone, fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// FromNullable maps a nullable stored value to a Role. Unknown stored values degrade
// to the null role rather than granting anything.
func FromNullable(raw *string) Role {
	if raw == nil {
		return RoleNone
	}
	role, err := ParseRole(*raw)
	if err != nil {
		return RoleNone
	}
	return role
}

// IsNone reports whether the role is null.
func (r Role) IsNone() bool {
	return r == RoleNone
}

// Elevated reports whether the role is one an upgrade request can grant.
func (r Role) Elevated() bool {
	return r == RoleOwner || r == RoleAgent
}

// Effective returns the tier used for copy and defaults: null behaves as user.
func (r Role) Effective() Role {
	if r == RoleNone {
		return RoleUser
	}
	return r
}

func (r Role) String() string {
	return string(r)
}

// MarshalJSON renders the null role as JSON null.
func (r Role) MarshalJSON() ([]byte, error) {
	if r == RoleNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(r))
}

// UnmarshalJSON accepts null or one of the known role names.
func (r *Role) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = RoleNone
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// State is the resolved role published to the rest of the application.
type State struct {
	Role    Role `json:"role"`
	Loading bool `json:"loading"`
}

// InitialState is the state before any identity event has been processed.
func InitialState() State {
	return State{Role: RoleNone, Loading: true}
}
