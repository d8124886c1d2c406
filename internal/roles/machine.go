package roles

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/metrics"
	"go.uber.org/zap"
)

const (
	outcomeSignedOut   = "signed_out"
	outcomeUnverified  = "unverified"
	outcomeResolved    = "resolved"
	outcomeNotFound    = "not_found"
	outcomeFetchFailed = "fetch_failed"
)

var (
	errMissingProvider = errors.New("roles: identity provider required")
	errMissingProfiles = errors.New("roles: profile fetcher required")
)

// ProfileFetcher reads the role stored on a user's profile document.
type ProfileFetcher interface {
	FetchRole(ctx context.Context, userID string) (Role, bool, error)
}

// StateListener observes published states. Listeners run on the goroutine that
// changed the state and must not block or call back into the machine's writers.
type StateListener func(State)

// MachineConfig describes the collaborators of a Machine.
type MachineConfig struct {
	Provider identity.Provider
	Profiles ProfileFetcher
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Machine maintains the resolved role of a session in response to identity events.
// It is the only writer of its State; every other component reads it.
type Machine struct {
	provider identity.Provider
	profiles ProfileFetcher
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// emitMu is always acquired before mu so published states reach listeners
	// in the order they were committed.
	emitMu sync.Mutex
	mu     sync.RWMutex

	state        State
	current      *identity.Identity
	generation   uint64
	listeners    map[int64]StateListener
	nextListener int64
	started      bool
	stopped      bool
	unsubscribe  func()

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup
}

// NewMachine constructs a machine in the initial loading state.
func NewMachine(cfg MachineConfig) (*Machine, error) {
	if cfg.Provider == nil {
		return nil, errMissingProvider
	}
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		provider:  cfg.Provider,
		profiles:  cfg.Profiles,
		logger:    logger,
		metrics:   cfg.Metrics,
		state:     InitialState(),
		listeners: make(map[int64]StateListener),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start subscribes to the identity provider. It is a no-op after the first call.
func (m *Machine) Start() {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	unsubscribe := m.provider.Subscribe(m.handleIdentity)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		unsubscribe()
		return
	}
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
}

// Stop releases the identity subscription, cancels in-flight profile fetches and
// waits for them to return. Results arriving after Stop are discarded.
func (m *Machine) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.generation++
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	m.cancel()
	m.inflight.Wait()

	m.emitMu.Lock()
	m.mu.Lock()
	m.listeners = make(map[int64]StateListener)
	m.mu.Unlock()
	m.emitMu.Unlock()
}

// State returns the current resolved state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Identity returns the verified identity the current state was derived from, or nil
// when the session is signed out or the identity was rejected as unverified.
func (m *Machine) Identity() *identity.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Subscribe registers a listener, delivers the current state to it and returns
// its disposer.
func (m *Machine) Subscribe(listener StateListener) func() {
	if listener == nil {
		return func() {}
	}
	m.emitMu.Lock()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.emitMu.Unlock()
		return func() {}
	}
	m.nextListener++
	id := m.nextListener
	m.listeners[id] = listener
	current := m.state
	m.mu.Unlock()
	listener(current)
	m.emitMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// Await blocks until the state is no longer loading or the context ends.
func (m *Machine) Await(ctx context.Context) (State, error) {
	resolved := make(chan State, 1)
	dispose := m.Subscribe(func(next State) {
		if next.Loading {
			return
		}
		select {
		case resolved <- next:
		default:
		}
	})
	defer dispose()

	select {
	case next := <-resolved:
		return next, nil
	case <-ctx.Done():
		return m.State(), ctx.Err()
	}
}

func (m *Machine) handleIdentity(current *identity.Identity) {
	var (
		next    State
		outcome string
		signOut bool
		fetchID string
	)
	switch {
	case current == nil:
		next = State{Role: RoleNone, Loading: false}
		outcome = outcomeSignedOut
	case !current.EmailVerified:
		next = State{Role: RoleNone, Loading: false}
		outcome = outcomeUnverified
		signOut = true
		current = nil
	default:
		next = State{Role: RoleNone, Loading: true}
		fetchID = current.ID
	}

	m.emitMu.Lock()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.emitMu.Unlock()
		return
	}
	m.generation++
	generation := m.generation
	m.current = current.Clone()
	m.state = next
	if fetchID != "" {
		m.inflight.Add(1)
	}
	listeners := m.snapshotListeners()
	m.mu.Unlock()
	for _, listener := range listeners {
		listener(next)
	}
	m.emitMu.Unlock()

	if outcome != "" {
		m.metrics.RoleResolved(outcome)
	}
	if signOut {
		m.logger.Info("unverified identity signed out")
		if err := m.provider.SignOut(m.ctx); err != nil {
			m.logger.Warn("sign out failed", zap.Error(err))
		}
	}
	if fetchID != "" {
		go m.resolve(generation, fetchID)
	}
}

func (m *Machine) resolve(generation uint64, userID string) {
	defer m.inflight.Done()

	role, found, err := m.profiles.FetchRole(m.ctx, userID)
	outcome := outcomeResolved
	switch {
	case err != nil:
		outcome = outcomeFetchFailed
		role = RoleNone
		m.logger.Error("profile fetch failed", zap.String("user_id", userID), zap.Error(err))
	case !found:
		outcome = outcomeNotFound
		role = RoleNone
	}

	if !m.commit(generation, State{Role: role, Loading: false}) {
		m.metrics.RoleResolutionDiscarded()
		m.logger.Debug("discarded stale role resolution", zap.String("user_id", userID))
		return
	}
	m.metrics.RoleResolved(outcome)
}

// commit publishes the state when the generation is still current.
func (m *Machine) commit(generation uint64, next State) bool {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if generation != m.generation || m.stopped {
		m.mu.Unlock()
		return false
	}
	m.state = next
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	for _, listener := range listeners {
		listener(next)
	}
	return true
}

// snapshotListeners must be called with mu held.
func (m *Machine) snapshotListeners() []StateListener {
	listeners := make([]StateListener, 0, len(m.listeners))
	for _, listener := range m.listeners {
		listeners = append(listeners, listener)
	}
	return listeners
}
