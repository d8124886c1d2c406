package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/homestead/internal/audit"
	"github.com/MarcoPoloResearchLab/homestead/internal/auth"
	"github.com/MarcoPoloResearchLab/homestead/internal/roles"
	"github.com/MarcoPoloResearchLab/homestead/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type identityPayload struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

type rolePayload struct {
	Role     roles.Role       `json:"role"`
	Loading  bool             `json:"loading"`
	Identity *identityPayload `json:"identity"`
}

func newRolePayload(session *sessions.Session) rolePayload {
	state := session.Roles.State()
	payload := rolePayload{Role: state.Role, Loading: state.Loading}
	if current := session.Roles.Identity(); current != nil {
		payload.Identity = &identityPayload{
			UserID:      current.ID,
			Email:       current.Email,
			DisplayName: current.DisplayName,
		}
	}
	return payload
}

// handleSignIn exchanges a valid TAuth session for an application session and
// answers once the role has been resolved.
func (h *httpHandler) handleSignIn(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	current, err := auth.IdentityFromClaims(claims)
	if err != nil {
		h.logger.Warn("session claims unusable", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	session, ok := h.lookupSession(c)
	if !ok {
		session, err = h.sessions.Open()
		if err != nil {
			h.logger.Error("failed to open session", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
			return
		}
		c.SetSameSite(http.SameSiteLaxMode)
		c.SetCookie(h.cookieName, session.ID, 0, "/", "", h.secure, true)
	}

	if current.EmailVerified && h.profiles != nil {
		if err := h.profiles.RecordSignIn(c.Request.Context(), current); err != nil {
			h.logger.Warn("profile sign-in record failed", zap.String("user_id", current.ID), zap.Error(err))
		}
	}
	if err := session.Identity.SignIn(current); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if _, err := session.Roles.Await(c.Request.Context()); err != nil {
		h.logger.Info("role resolution abandoned", zap.String("user_id", current.ID), zap.Error(err))
		return
	}

	if !current.EmailVerified {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "email_not_verified"})
		return
	}
	state := session.Roles.State()
	h.record(c.Request.Context(), audit.Entry{
		Type:       audit.TypeSessionSignedIn,
		Message:    "session signed in",
		UserID:     current.ID,
		TargetRole: state.Role.String(),
		Context:    "auth",
	})
	c.JSON(http.StatusOK, newRolePayload(session))
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	session, _ := sessionFromContext(c)
	userID := ""
	if current := session.Roles.Identity(); current != nil {
		userID = current.ID
	}
	if err := session.Identity.SignOut(c.Request.Context()); err != nil {
		h.logger.Warn("sign out failed", zap.Error(err))
	}
	h.sessions.Close(session.ID)
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookieName, "", -1, "/", "", h.secure, true)
	h.record(c.Request.Context(), audit.Entry{
		Type:    audit.TypeSessionSignedOut,
		Message: "session signed out",
		UserID:  userID,
		Context: "auth",
	})
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRole(c *gin.Context) {
	session, _ := sessionFromContext(c)
	c.JSON(http.StatusOK, newRolePayload(session))
}

// handleRoleStream pushes every published role state as a server-sent event.
func (h *httpHandler) handleRoleStream(c *gin.Context) {
	session, _ := sessionFromContext(c)
	states := newLatestState()
	dispose := session.Roles.Subscribe(states.offer)
	defer dispose()

	ctx := c.Request.Context()
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case state := <-states.updates:
			c.SSEvent("role", state)
			return true
		}
	})
}

// latestState hands the newest state to a slow reader, replacing any state it has
// not consumed yet. offer never blocks.
type latestState struct {
	updates chan roles.State
}

func newLatestState() *latestState {
	return &latestState{updates: make(chan roles.State, 1)}
}

// offer must only be called by one goroutine at a time; the machine serializes
// listener calls.
func (l *latestState) offer(state roles.State) {
	select {
	case l.updates <- state:
		return
	default:
	}
	select {
	case <-l.updates:
	default:
	}
	l.updates <- state
}
