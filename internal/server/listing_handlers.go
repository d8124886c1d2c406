package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/homestead/internal/inbox"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleDashboard(c *gin.Context) {
	session, _ := sessionFromContext(c)
	c.JSON(http.StatusOK, newRolePayload(session))
}

func (h *httpHandler) handleCreateListing(c *gin.Context) {
	session, _ := sessionFromContext(c)
	var input inbox.ListingInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	listing, err := h.inbox.CreateListing(c.Request.Context(), session.Roles.Identity(), input)
	if err != nil {
		h.writeInboxError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

func (h *httpHandler) handleCreateContact(c *gin.Context) {
	var input inbox.ContactInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input.ListingID = c.Param("listingId")

	contact, err := h.inbox.CreateContact(c.Request.Context(), input)
	if err != nil {
		h.writeInboxError(c, err)
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	session, _ := sessionFromContext(c)
	author := session.Roles.Identity()
	if author == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var input inbox.CommentInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	input.ListingID = c.Param("listingId")
	input.AuthorID = author.ID
	if input.AuthorName == "" {
		input.AuthorName = author.DisplayName
	}

	comment, err := h.inbox.CreateComment(c.Request.Context(), input)
	if err != nil {
		h.writeInboxError(c, err)
		return
	}
	c.JSON(http.StatusCreated, comment)
}

func (h *httpHandler) handleListComments(c *gin.Context) {
	listingID := c.Param("listingId")
	if _, err := h.inbox.GetListing(c.Request.Context(), listingID); err != nil {
		h.writeInboxError(c, err)
		return
	}
	comments, err := h.inbox.ListComments(c.Request.Context(), listingID)
	if err != nil {
		h.logger.Error("comment listing failed", zap.String("listing_id", listingID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"comments": comments})
}

func (h *httpHandler) writeInboxError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, inbox.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "detail": err.Error()})
	case errors.Is(err, inbox.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "listing_not_found"})
	case errors.Is(err, inbox.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error("inbox write failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "write_failed"})
	}
}
