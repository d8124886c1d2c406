package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
	"github.com/patrickmn/go-cache"
)

type staticProfiles map[string]roles.Role

func (s staticProfiles) FetchRole(_ context.Context, userID string) (roles.Role, bool, error) {
	role, ok := s[userID]
	return role, ok, nil
}

func TestOpenResolvesRoleForSignedInIdentity(t *testing.T) {
	registry, err := NewRegistry(Config{Profiles: staticProfiles{"u1": roles.RoleAgent}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	defer registry.Shutdown()

	session, err := registry.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := session.Identity.SignIn(identity.Identity{ID: "u1", Email: "u1@example.com", EmailVerified: true}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := session.Roles.Await(ctx)
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if state.Role != roles.RoleAgent || state.Loading {
		t.Fatalf("expected resolved agent role, got %#v", state)
	}

	found, ok := registry.Lookup(session.ID)
	if !ok || found != session {
		t.Fatalf("expected lookup to return the open session")
	}
}

func TestCloseStopsMachine(t *testing.T) {
	registry, err := NewRegistry(Config{Profiles: staticProfiles{}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	session, err := registry.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	registry.Close(session.ID)
	if _, ok := registry.Lookup(session.ID); ok {
		t.Fatalf("expected closed session to be gone")
	}
	if registry.Count() != 0 {
		t.Fatalf("expected empty registry, got %d", registry.Count())
	}

	before := session.Roles.State()
	if err := session.Identity.SignIn(identity.Identity{ID: "u1", EmailVerified: true}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	if after := session.Roles.State(); after != before {
		t.Fatalf("expected stopped machine to ignore identity events, got %#v", after)
	}
}

func TestIdleSessionsExpire(t *testing.T) {
	registry, err := NewRegistry(Config{Profiles: staticProfiles{}, IdleTTL: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	defer registry.Shutdown()

	session, err := registry.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := registry.Lookup(session.ID); ok {
		t.Fatalf("expected idle session to expire")
	}
}

func TestEvictionAfterRefreshKeepsSessionRunning(t *testing.T) {
	registry, err := NewRegistry(Config{Profiles: staticProfiles{"u1": roles.RoleOwner}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	defer registry.Shutdown()

	session, err := registry.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	// The janitor's eviction callback arrives after Lookup has already stored the
	// session again.
	registry.teardown(session.ID, session)

	found, ok := registry.Lookup(session.ID)
	if !ok || found != session {
		t.Fatalf("expected refreshed session to stay registered")
	}
	if err := session.Identity.SignIn(identity.Identity{ID: "u1", Email: "u1@example.com", EmailVerified: true}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := session.Roles.Await(ctx)
	if err != nil {
		t.Fatalf("expected running machine to resolve, got %v", err)
	}
	if state.Role != roles.RoleOwner {
		t.Fatalf("expected owner role, got %#v", state)
	}
}

func TestClosedSessionIsNotRevivedByLateRefresh(t *testing.T) {
	registry, err := NewRegistry(Config{Profiles: staticProfiles{}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	defer registry.Shutdown()

	session, err := registry.Open()
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	registry.Close(session.ID)
	registry.entries.Set(session.ID, session, cache.DefaultExpiration)

	if _, ok := registry.Lookup(session.ID); ok {
		t.Fatalf("expected a torn down session to stay unreachable")
	}
}

func TestLookupRejectsUnknownIDs(t *testing.T) {
	registry, err := NewRegistry(Config{Profiles: staticProfiles{}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	defer registry.Shutdown()
	for _, id := range []string{"", "   ", "missing"} {
		if _, ok := registry.Lookup(id); ok {
			t.Fatalf("expected %q to be unknown", id)
		}
	}
}

func TestNewRegistryRequiresProfiles(t *testing.T) {
	if _, err := NewRegistry(Config{}); err == nil {
		t.Fatalf("expected error without profile fetcher")
	}
}
