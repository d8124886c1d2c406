package auth

import (
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
)

// ErrUnusableClaims indicates the claims did not contain a usable identifier.
var ErrUnusableClaims = errors.New("auth: claims carry no usable identifier")

// IdentityFromClaims maps validated TAuth claims onto the identity observed by a session.
// Provider-prefixed ids such as "google:12345" collapse to the provider subject so the
// profile document key stays stable across login providers.
func IdentityFromClaims(claims SessionClaims) (identity.Identity, error) {
	userID := canonicalUserID(claims)
	if userID == "" {
		return identity.Identity{}, ErrUnusableClaims
	}
	return identity.Identity{
		ID:            userID,
		Email:         strings.TrimSpace(claims.UserEmail),
		EmailVerified: claims.UserEmailVerified,
		DisplayName:   strings.TrimSpace(claims.UserDisplayName),
	}, nil
}

func canonicalUserID(claims SessionClaims) string {
	subject := strings.TrimSpace(claims.Subject)

	raw := strings.TrimSpace(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if strings.TrimSpace(segments[0]) != "" && strings.TrimSpace(segments[1]) != "" {
				return strings.TrimSpace(segments[1])
			}
		} else {
			return raw
		}
	}

	return subject
}
