package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/homestead/internal/upgrades"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type roleRequestResponse struct {
	Request *upgrades.Request   `json:"request"`
	View    upgrades.StatusView `json:"view"`
}

type decisionPayload struct {
	Decision string `json:"decision"`
}

func (h *httpHandler) handleSubmitRoleRequest(c *gin.Context) {
	session, _ := sessionFromContext(c)
	var form upgrades.Form
	if err := c.ShouldBindJSON(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.upgrades.Submit(c.Request.Context(), session.Roles.Identity(), form)
	if err != nil {
		h.writeUpgradeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, roleRequestResponse{
		Request: &stored,
		View:    upgrades.View(session.Roles.State().Role, &stored),
	})
}

func (h *httpHandler) handleRoleRequestStatus(c *gin.Context) {
	session, _ := sessionFromContext(c)
	current := session.Roles.Identity()
	if current == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	request, found, err := h.upgrades.Get(c.Request.Context(), current.ID)
	if err != nil {
		h.logger.Error("failed to load upgrade request", zap.String("user_id", current.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable"})
		return
	}
	response := roleRequestResponse{}
	if found {
		response.Request = &request
	}
	response.View = upgrades.View(session.Roles.State().Role, response.Request)
	c.JSON(http.StatusOK, response)
}

// handleRoleRequestStream pushes the caller's status view on every request change.
func (h *httpHandler) handleRoleRequestStream(c *gin.Context) {
	session, _ := sessionFromContext(c)
	current := session.Roles.Identity()
	if current == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	ctx := c.Request.Context()
	changes, dispose, err := h.upgrades.Watch(ctx, current.ID)
	if err != nil {
		h.logger.Warn("upgrade request stream unavailable", zap.String("user_id", current.ID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "status_unknown"})
		return
	}
	defer dispose()

	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("status", roleRequestResponse{
				Request: change.Request,
				View:    upgrades.View(session.Roles.State().Role, change.Request),
			})
			return true
		}
	})
}

func (h *httpHandler) handleListRoleRequests(c *gin.Context) {
	status := upgrades.Status(strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", string(upgrades.StatusPending)))))
	switch status {
	case upgrades.StatusNone, upgrades.StatusPending, upgrades.StatusApproved, upgrades.StatusRejected:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	requests, err := h.upgrades.List(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Error("failed to list upgrade requests", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests})
}

func (h *httpHandler) handleDecideRoleRequest(c *gin.Context) {
	session, _ := sessionFromContext(c)
	var payload decisionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var approve bool
	switch strings.ToLower(strings.TrimSpace(payload.Decision)) {
	case "approve":
		approve = true
	case "reject":
		approve = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_decision"})
		return
	}

	decidedBy := ""
	if admin := session.Roles.Identity(); admin != nil {
		decidedBy = admin.ID
	}
	decided, err := h.upgrades.Decide(c.Request.Context(), c.Param("userId"), upgrades.Decision{
		Approve:   approve,
		DecidedBy: decidedBy,
	})
	if err != nil {
		h.writeUpgradeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": decided})
}

func (h *httpHandler) writeUpgradeError(c *gin.Context, err error) {
	code := ""
	var serviceErr *upgrades.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	switch {
	case errors.Is(err, upgrades.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, upgrades.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "code": code})
	case errors.Is(err, upgrades.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, upgrades.ErrNotPending):
		c.JSON(http.StatusConflict, gin.H{"error": "not_pending"})
	default:
		h.logger.Error("upgrade request operation failed", zap.String("code", code), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "request_failed"})
	}
}
