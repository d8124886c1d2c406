package roles

import (
	"net/url"
	"strings"
)

// DecisionKind enumerates what a guarded route should do.
type DecisionKind string

const (
	DecisionRender   DecisionKind = "render"
	DecisionLoading  DecisionKind = "loading"
	DecisionRedirect DecisionKind = "redirect"
)

const (
	defaultUnauthorizedPath = "/unauthorized"
	homePath                = "/"
	redirectQueryParameter  = "redirect"
)

// Decision is the outcome of evaluating a guard against a resolved state.
type Decision struct {
	Kind     DecisionKind
	Location string
}

// Guard decides between rendering protected content, a loading placeholder, or a redirect.
// Implementations are pure functions of the state and their static configuration.
type Guard interface {
	Name() string
	Decide(state State, target string) Decision
}

// AdminGuard admits only the admin role and sends everyone else to the unauthorized
// page, carrying the original target as redirect-back context.
type AdminGuard struct {
	UnauthorizedPath string
}

// NewAdminGuard constructs the single-role admin guard.
func NewAdminGuard(unauthorizedPath string) AdminGuard {
	path := strings.TrimSpace(unauthorizedPath)
	if path == "" {
		path = defaultUnauthorizedPath
	}
	return AdminGuard{UnauthorizedPath: path}
}

func (g AdminGuard) Name() string {
	return "admin"
}

func (g AdminGuard) Decide(state State, target string) Decision {
	if state.Loading {
		return Decision{Kind: DecisionLoading}
	}
	if state.Role == RoleAdmin {
		return Decision{Kind: DecisionRender}
	}
	return Decision{Kind: DecisionRedirect, Location: withRedirectBack(g.unauthorizedPath(), target)}
}

func (g AdminGuard) unauthorizedPath() string {
	if g.UnauthorizedPath == "" {
		return defaultUnauthorizedPath
	}
	return g.UnauthorizedPath
}

// AllowListGuard admits any role in its allowed set and sends everyone else home.
// While the state is loading it renders the placeholder instead of redirecting.
type AllowListGuard struct {
	allowed map[Role]struct{}
	name    string
}

// NewAllowListGuard constructs a guard over the given roles. The null role is never admitted.
func NewAllowListGuard(allowed ...Role) AllowListGuard {
	set := make(map[Role]struct{}, len(allowed))
	names := make([]string, 0, len(allowed))
	for _, role := range allowed {
		if role.IsNone() {
			continue
		}
		if _, seen := set[role]; seen {
			continue
		}
		set[role] = struct{}{}
		names = append(names, role.String())
	}
	return AllowListGuard{allowed: set, name: "allow:" + strings.Join(names, ",")}
}

func (g AllowListGuard) Name() string {
	return g.name
}

func (g AllowListGuard) Decide(state State, _ string) Decision {
	if state.Loading {
		return Decision{Kind: DecisionLoading}
	}
	if state.Role.IsNone() {
		return Decision{Kind: DecisionRedirect, Location: homePath}
	}
	if _, ok := g.allowed[state.Role]; ok {
		return Decision{Kind: DecisionRender}
	}
	return Decision{Kind: DecisionRedirect, Location: homePath}
}

// Allows reports whether the role is in the allowed set.
func (g AllowListGuard) Allows(role Role) bool {
	_, ok := g.allowed[role]
	return ok
}

func withRedirectBack(path, target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return path
	}
	values := url.Values{}
	values.Set(redirectQueryParameter, target)
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return path + separator + values.Encode()
}
