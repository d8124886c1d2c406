// Package sessions keeps one identity stream and one role state machine per browser
// session and tears them down when the session goes idle.
package sessions

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/metrics"
	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const defaultIdleTTL = 30 * time.Minute

var errMissingProfiles = errors.New("sessions: profile fetcher required")

// Session bundles the per-session identity provider and role machine.
type Session struct {
	ID        string
	Identity  *identity.Session
	Roles     *roles.Machine
	CreatedAt time.Time

	closed   atomic.Bool
	stopOnce sync.Once
}

// Config describes the dependencies of a Registry.
type Config struct {
	IdleTTL  time.Duration
	Profiles roles.ProfileFetcher
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Clock    func() time.Time
}

// Registry maps session ids to live sessions with sliding idle expiry.
type Registry struct {
	entries  *cache.Cache
	ttl      time.Duration
	profiles roles.ProfileFetcher
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// mu orders idle refreshes in Lookup against teardown of the same entry.
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewRegistry constructs a registry. Expired sessions are swept every half TTL.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Profiles == nil {
		return nil, errMissingProfiles
	}
	ttl := cfg.IdleTTL
	if ttl <= 0 {
		ttl = defaultIdleTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	registry := &Registry{
		entries:  cache.New(ttl, ttl/2),
		ttl:      ttl,
		profiles: cfg.Profiles,
		logger:   logger,
		metrics:  cfg.Metrics,
		now:      clock,
	}
	registry.entries.OnEvicted(registry.teardown)
	return registry, nil
}

// Open creates a session with a started role machine.
func (r *Registry) Open() (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	provider := identity.NewSession()
	machine, err := roles.NewMachine(roles.MachineConfig{
		Provider: provider,
		Profiles: r.profiles,
		Logger:   r.logger.With(zap.String("session_id", id.String())),
		Metrics:  r.metrics,
	})
	if err != nil {
		provider.Close()
		return nil, err
	}
	machine.Start()

	session := &Session{
		ID:        id.String(),
		Identity:  provider,
		Roles:     machine,
		CreatedAt: r.now().UTC(),
	}
	r.entries.Set(session.ID, session, cache.DefaultExpiration)
	r.metrics.SessionOpened()
	r.logger.Debug("session opened", zap.String("session_id", session.ID))
	return session, nil
}

// Lookup returns the live session and extends its idle deadline.
func (r *Registry) Lookup(id string) (*Session, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	value, found := r.entries.Get(id)
	if !found {
		return nil, false
	}
	session, ok := value.(*Session)
	if !ok || session.closed.Load() {
		return nil, false
	}
	r.entries.Set(id, session, cache.DefaultExpiration)
	return session, true
}

// Close ends the session immediately.
func (r *Registry) Close(id string) {
	r.markClosed(id)
	r.entries.Delete(id)
}

// Count reports the number of tracked sessions, expired or not.
func (r *Registry) Count() int {
	return r.entries.ItemCount()
}

// Shutdown tears down every session.
func (r *Registry) Shutdown() {
	r.closeOnce.Do(func() {
		for id := range r.entries.Items() {
			r.markClosed(id)
			r.entries.Delete(id)
		}
		r.entries.DeleteExpired()
	})
}

func (r *Registry) markClosed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value, found := r.entries.Get(id); found {
		if session, ok := value.(*Session); ok {
			session.closed.Store(true)
		}
	}
}

// teardown runs after go-cache has removed the entry. An idle eviction that lost
// the race against Lookup finds the session stored again and leaves it running.
func (r *Registry) teardown(id string, value any) {
	session, ok := value.(*Session)
	if !ok {
		return
	}
	r.mu.Lock()
	if !session.closed.Load() {
		if current, found := r.entries.Get(id); found && current == session {
			r.mu.Unlock()
			return
		}
	}
	session.closed.Store(true)
	r.mu.Unlock()

	session.stopOnce.Do(func() {
		session.Roles.Stop()
		session.Identity.Close()
		r.metrics.SessionClosed()
		r.logger.Debug("session closed", zap.String("session_id", id))
	})
}
