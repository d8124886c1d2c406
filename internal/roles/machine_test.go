package roles

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type countingProvider struct {
	*identity.Session
	signOuts atomic.Int32
}

func (p *countingProvider) SignOut(ctx context.Context) error {
	p.signOuts.Add(1)
	return p.Session.SignOut(ctx)
}

type stubProfiles struct {
	mu      sync.Mutex
	roles   map[string]Role
	errs    map[string]error
	gates   map[string]chan struct{}
	fetches []string
}

func newStubProfiles() *stubProfiles {
	return &stubProfiles{
		roles: make(map[string]Role),
		errs:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func (s *stubProfiles) FetchRole(ctx context.Context, userID string) (Role, bool, error) {
	s.mu.Lock()
	s.fetches = append(s.fetches, userID)
	gate := s.gates[userID]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return RoleNone, false, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.errs[userID]; err != nil {
		return RoleNone, false, err
	}
	role, ok := s.roles[userID]
	return role, ok, nil
}

func (s *stubProfiles) fetchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fetches)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(state State) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func newTestMachine(t *testing.T, provider identity.Provider, profiles ProfileFetcher, logger *zap.Logger) *Machine {
	t.Helper()
	machine, err := NewMachine(MachineConfig{
		Provider: provider,
		Profiles: profiles,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct machine: %v", err)
	}
	t.Cleanup(machine.Stop)
	return machine
}

func awaitState(t *testing.T, machine *Machine) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := machine.Await(ctx)
	if err != nil {
		t.Fatalf("state did not resolve: %v", err)
	}
	return state
}

func TestNewMachineRequiresCollaborators(t *testing.T) {
	if _, err := NewMachine(MachineConfig{Profiles: newStubProfiles()}); !errors.Is(err, errMissingProvider) {
		t.Fatalf("expected missing provider error, got %v", err)
	}
	if _, err := NewMachine(MachineConfig{Provider: identity.NewSession()}); !errors.Is(err, errMissingProfiles) {
		t.Fatalf("expected missing profiles error, got %v", err)
	}
}

func TestMachineStartsInInitialState(t *testing.T) {
	machine := newTestMachine(t, identity.NewSession(), newStubProfiles(), nil)
	if state := machine.State(); state != InitialState() {
		t.Fatalf("expected initial state, got %#v", state)
	}
}

func TestMachineResolvesVerifiedIdentityRole(t *testing.T) {
	session := identity.NewSession()
	profiles := newStubProfiles()
	profiles.roles["u1"] = RoleAgent

	machine := newTestMachine(t, session, profiles, nil)
	machine.Start()
	if err := session.SignIn(identity.Identity{ID: "u1", EmailVerified: true}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}

	state := awaitState(t, machine)
	if state != (State{Role: RoleAgent, Loading: false}) {
		t.Fatalf("unexpected state %#v", state)
	}
	if current := machine.Identity(); current == nil || current.ID != "u1" {
		t.Fatalf("expected current identity u1, got %#v", current)
	}

	guard := NewAllowListGuard(RoleOwner, RoleAgent)
	if decision := guard.Decide(state, "/dashboard"); decision.Kind != DecisionRender {
		t.Fatalf("expected allow-list guard to render, got %#v", decision)
	}
}

func TestMachineSignsOutUnverifiedIdentityOnce(t *testing.T) {
	provider := &countingProvider{Session: identity.NewSession()}
	profiles := newStubProfiles()
	profiles.roles["u2"] = RoleAdmin

	machine := newTestMachine(t, provider, profiles, nil)
	machine.Start()
	if err := provider.SignIn(identity.Identity{ID: "u2", EmailVerified: false}); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}

	state := machine.State()
	if state != (State{Role: RoleNone, Loading: false}) {
		t.Fatalf("unexpected state %#v", state)
	}
	if got := provider.signOuts.Load(); got != 1 {
		t.Fatalf("expected exactly one sign out, got %d", got)
	}
	if profiles.fetchCount() != 0 {
		t.Fatalf("expected no profile fetch for unverified identity")
	}
	if machine.Identity() != nil {
		t.Fatalf("expected unverified identity to be treated as unauthenticated")
	}

	decision := NewAdminGuard("").Decide(state, "/admin")
	if decision.Kind != DecisionRedirect || decision.Location != "/unauthorized?redirect=%2Fadmin" {
		t.Fatalf("unexpected admin guard decision %#v", decision)
	}
}

func TestMachineSignedOutResolvesImmediately(t *testing.T) {
	profiles := newStubProfiles()
	machine := newTestMachine(t, identity.NewSession(), profiles, nil)
	machine.Start()

	if state := machine.State(); state != (State{Role: RoleNone, Loading: false}) {
		t.Fatalf("unexpected state %#v", state)
	}
	if profiles.fetchCount() != 0 {
		t.Fatalf("expected no profile fetch while signed out")
	}
}

func TestMachineMissingProfileResolvesToNullRole(t *testing.T) {
	session := identity.NewSession()
	machine := newTestMachine(t, session, newStubProfiles(), nil)
	machine.Start()
	_ = session.SignIn(identity.Identity{ID: "nobody", EmailVerified: true})

	if state := awaitState(t, machine); state != (State{Role: RoleNone, Loading: false}) {
		t.Fatalf("unexpected state %#v", state)
	}
}

func TestMachineFetchFailureDegradesToNullRole(t *testing.T) {
	session := identity.NewSession()
	profiles := newStubProfiles()
	profiles.errs["u1"] = errors.New("backend unavailable")

	core, logs := observer.New(zapcore.DebugLevel)
	machine := newTestMachine(t, session, profiles, zap.New(core))
	machine.Start()
	_ = session.SignIn(identity.Identity{ID: "u1", EmailVerified: true})

	if state := awaitState(t, machine); state != (State{Role: RoleNone, Loading: false}) {
		t.Fatalf("unexpected state %#v", state)
	}
	entries := logs.FilterMessage("profile fetch failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one fetch failure log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected error level, got %s", entries[0].Level)
	}
}

func TestMachineLoadingOnlyWhileResolving(t *testing.T) {
	session := identity.NewSession()
	profiles := newStubProfiles()
	profiles.roles["u1"] = RoleOwner

	machine := newTestMachine(t, session, profiles, nil)
	recorder := &stateRecorder{}
	machine.Subscribe(recorder.record)
	machine.Start()
	_ = session.SignIn(identity.Identity{ID: "u1", EmailVerified: true})
	awaitState(t, machine)
	_ = session.SignOut(context.Background())

	expected := []State{
		{Role: RoleNone, Loading: true},
		{Role: RoleNone, Loading: false},
		{Role: RoleNone, Loading: true},
		{Role: RoleOwner, Loading: false},
		{Role: RoleNone, Loading: false},
	}
	states := recorder.snapshot()
	if len(states) != len(expected) {
		t.Fatalf("expected states %#v, got %#v", expected, states)
	}
	for index := range expected {
		if states[index] != expected[index] {
			t.Fatalf("state %d: expected %#v, got %#v", index, expected[index], states[index])
		}
	}
}

func TestMachineDiscardsStaleResolution(t *testing.T) {
	session := identity.NewSession()
	profiles := newStubProfiles()
	profiles.roles["a"] = RoleAdmin
	profiles.roles["b"] = RoleOwner
	releaseA := make(chan struct{})
	profiles.gates["a"] = releaseA

	machine := newTestMachine(t, session, profiles, nil)
	recorder := &stateRecorder{}
	machine.Start()
	machine.Subscribe(recorder.record)

	_ = session.SignIn(identity.Identity{ID: "a", EmailVerified: true})
	_ = session.SignIn(identity.Identity{ID: "b", EmailVerified: true})

	if state := awaitState(t, machine); state.Role != RoleOwner {
		t.Fatalf("expected b's role, got %#v", state)
	}

	close(releaseA)
	machine.inflight.Wait()

	if state := machine.State(); state != (State{Role: RoleOwner, Loading: false}) {
		t.Fatalf("stale resolution overwrote state: %#v", state)
	}
	for _, state := range recorder.snapshot() {
		if state.Role == RoleAdmin {
			t.Fatalf("stale role was published: %#v", recorder.snapshot())
		}
	}
}

func TestMachineStopReleasesSubscription(t *testing.T) {
	session := identity.NewSession()
	profiles := newStubProfiles()
	profiles.roles["u1"] = RoleAgent
	releaseU1 := make(chan struct{})
	profiles.gates["u1"] = releaseU1

	machine := newTestMachine(t, session, profiles, nil)
	machine.Start()
	_ = session.SignIn(identity.Identity{ID: "u1", EmailVerified: true})
	machine.Stop()

	if state := machine.State(); state != (State{Role: RoleNone, Loading: true}) {
		t.Fatalf("expected in-flight resolution to be abandoned, got %#v", state)
	}

	_ = session.SignOut(context.Background())
	if state := machine.State(); !state.Loading {
		t.Fatalf("expected no state updates after stop, got %#v", state)
	}
	close(releaseU1)
}

func TestMachineAwaitHonoursContext(t *testing.T) {
	session := identity.NewSession()
	profiles := newStubProfiles()
	profiles.gates["slow"] = make(chan struct{})

	machine := newTestMachine(t, session, profiles, nil)
	machine.Start()
	_ = session.SignIn(identity.Identity{ID: "slow", EmailVerified: true})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	state, err := machine.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !state.Loading {
		t.Fatalf("expected loading state while fetch is outstanding")
	}
}
