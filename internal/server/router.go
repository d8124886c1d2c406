package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/audit"
	"github.com/MarcoPoloResearchLab/homestead/internal/auth"
	"github.com/MarcoPoloResearchLab/homestead/internal/identity"
	"github.com/MarcoPoloResearchLab/homestead/internal/inbox"
	"github.com/MarcoPoloResearchLab/homestead/internal/metrics"
	"github.com/MarcoPoloResearchLab/homestead/internal/rate"
	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
	"github.com/MarcoPoloResearchLab/homestead/internal/sessions"
	"github.com/MarcoPoloResearchLab/homestead/internal/upgrades"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	sessionContextKey        = "homestead_session"
	defaultSessionCookieName = "homestead_sid"
	defaultContactLimit      = 5
	defaultContactWindow     = time.Hour
)

var (
	errMissingSessionRegistry = errors.New("session registry dependency required")
	errMissingValidator       = errors.New("session validator dependency required")
	errMissingUpgrades        = errors.New("upgrade service dependency required")
	errMissingInbox           = errors.New("inbox service dependency required")
)

// SessionValidator validates the TAuth session cookie on a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// ProfileRecorder lazily creates the profile of a signed-in identity.
type ProfileRecorder interface {
	RecordSignIn(ctx context.Context, current identity.Identity) error
}

type Dependencies struct {
	Sessions          *sessions.Registry
	Validator         SessionValidator
	Profiles          ProfileRecorder
	Upgrades          *upgrades.Service
	Inbox             *inbox.Service
	Audit             audit.Recorder
	ContactLimiter    rate.Limiter
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
	AllowedOrigins    []string
	TrustedProxies    []string
	SessionCookieName string
	SecureCookies     bool
	UnauthorizedPath  string
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionRegistry
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	if deps.Upgrades == nil {
		return nil, errMissingUpgrades
	}
	if deps.Inbox == nil {
		return nil, errMissingInbox
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cookieName := strings.TrimSpace(deps.SessionCookieName)
	if cookieName == "" {
		cookieName = defaultSessionCookieName
	}

	contactLimiter := deps.ContactLimiter
	if contactLimiter == nil {
		memoryLimiter, err := rate.NewMemoryLimiter(rate.Config{
			Prefix: "contacts:",
			Max:    defaultContactLimit,
			Window: defaultContactWindow,
		})
		if err != nil {
			return nil, err
		}
		contactLimiter = memoryLimiter
	}

	router := gin.New()
	// client addresses feed rate limits, so forwarding headers count only from
	// configured proxies
	if err := router.SetTrustedProxies(deps.TrustedProxies); err != nil {
		return nil, err
	}
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))
	router.Use(observeRequests(deps.Metrics))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		validator:  deps.Validator,
		profiles:   deps.Profiles,
		upgrades:   deps.Upgrades,
		inbox:      deps.Inbox,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		logger:     logger,
		cookieName: cookieName,
		secure:     deps.SecureCookies,
	}

	adminGuard := roles.NewAdminGuard(deps.UnauthorizedPath)
	dashboardGuard := roles.NewAllowListGuard(roles.RoleOwner, roles.RoleAgent)

	router.POST("/auth/session", handler.handleSignIn)
	router.POST("/listings/:listingId/contacts", handler.limitByClient(contactLimiter, "contacts"), handler.handleCreateContact)
	router.GET("/listings/:listingId/comments", handler.handleListComments)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	router.GET("/dashboard", handler.attachSession, handler.guardRoute(dashboardGuard), handler.handleDashboard)
	router.POST("/listings", handler.attachSession, handler.guardRoute(dashboardGuard), handler.handleCreateListing)

	admin := router.Group("/admin")
	admin.Use(handler.attachSession, handler.guardRoute(adminGuard))
	admin.GET("/role-requests", handler.handleListRoleRequests)
	admin.POST("/role-requests/:userId/decision", handler.handleDecideRoleRequest)

	protected := router.Group("/")
	protected.Use(handler.requireSession)
	protected.DELETE("/auth/session", handler.handleSignOut)
	protected.GET("/auth/role", handler.handleRole)
	protected.GET("/auth/role/stream", handler.handleRoleStream)
	protected.POST("/role-requests", handler.handleSubmitRoleRequest)
	protected.GET("/role-requests/me", handler.handleRoleRequestStatus)
	protected.GET("/role-requests/me/stream", handler.handleRoleRequestStream)
	protected.POST("/listings/:listingId/comments", handler.handleCreateComment)

	return router, nil
}

type httpHandler struct {
	sessions   *sessions.Registry
	validator  SessionValidator
	profiles   ProfileRecorder
	upgrades   *upgrades.Service
	inbox      *inbox.Service
	audit      audit.Recorder
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cookieName string
	secure     bool
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	cfg.AllowCredentials = true
	return cfg
}

func observeRequests(recorder *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if recorder == nil {
			c.Next()
			return
		}
		started := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		recorder.ObserveHTTP(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(started).Seconds())
	}
}

// attachSession makes the caller's session available when there is one. Guarded
// routes treat a missing session as signed out.
func (h *httpHandler) attachSession(c *gin.Context) {
	if session, ok := h.lookupSession(c); ok {
		c.Set(sessionContextKey, session)
	}
	c.Next()
}

func (h *httpHandler) requireSession(c *gin.Context) {
	session, ok := h.lookupSession(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(sessionContextKey, session)
	c.Next()
}

func (h *httpHandler) lookupSession(c *gin.Context) (*sessions.Session, bool) {
	sessionID, err := c.Cookie(h.cookieName)
	if err != nil || strings.TrimSpace(sessionID) == "" {
		return nil, false
	}
	return h.sessions.Lookup(sessionID)
}

func sessionFromContext(c *gin.Context) (*sessions.Session, bool) {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return nil, false
	}
	session, ok := value.(*sessions.Session)
	return session, ok && session != nil
}

// roleState reports the caller's resolved role; no session means signed out.
func roleState(c *gin.Context) roles.State {
	session, ok := sessionFromContext(c)
	if !ok {
		return roles.State{Role: roles.RoleNone, Loading: false}
	}
	return session.Roles.State()
}

func (h *httpHandler) guardRoute(guard roles.Guard) gin.HandlerFunc {
	return func(c *gin.Context) {
		decision := guard.Decide(roleState(c), c.Request.URL.RequestURI())
		h.metrics.GuardDecision(guard.Name(), string(decision.Kind))
		switch decision.Kind {
		case roles.DecisionRender:
			c.Next()
		case roles.DecisionLoading:
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusAccepted, gin.H{"state": "loading"})
		default:
			c.Redirect(http.StatusSeeOther, decision.Location)
			c.Abort()
		}
	}
}

// limitByClient admits requests through limiter keyed by client address. Limiter
// failures are logged and the request is admitted.
func (h *httpHandler) limitByClient(limiter rate.Limiter, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := limiter.Allow(c.Request.Context(), scope+":"+c.ClientIP())
		if err != nil {
			h.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
			c.Next()
			return
		}
		if !result.Allowed {
			retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			h.logger.Info("request rate limited",
				zap.String("scope", scope),
				zap.String("client_ip", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

func (h *httpHandler) record(ctx context.Context, entry audit.Entry) {
	if h.audit == nil {
		return
	}
	h.audit.Record(ctx, entry)
}
