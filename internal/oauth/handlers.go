package oauth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/logging"
)

// Handler serves developer client management.
type Handler struct {
	svc *Service
}

// NewHandler creates an OAuth client handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type clientRequest struct {
	Name string `json:"name"`
}

type authorizeRequest struct {
	Approved bool     `json:"approved"`
	Scopes   []string `json:"scopes"`
}

type tokenRequest struct {
	Scopes []string `json:"scopes"`
}

func owner(c *gin.Context) (string, bool) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return "", false
	}
	return id.OwnerID, true
}

// CreateClient handles POST /api/v1/clients.
func (h *Handler) CreateClient(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	var req clientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	client, err := h.svc.CreateClient(c.Request.Context(), ownerID, req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "client": client})
}

// ListClients handles GET /api/v1/clients.
func (h *Handler) ListClients(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	clients, err := h.svc.ListClients(c.Request.Context(), ownerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if clients == nil {
		clients = []*Client{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "clients": clients})
}

// GetClient handles GET /api/v1/clients/:clientId.
func (h *Handler) GetClient(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	client, err := h.svc.OwnedClient(c.Request.Context(), ownerID, c.Param("clientId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "client": client})
}

// UpdateClient handles PATCH /api/v1/clients/:clientId.
func (h *Handler) UpdateClient(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	var req clientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	client, err := h.svc.RenameClient(c.Request.Context(), ownerID, c.Param("clientId"), req.Name)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "client": client})
}

// DeleteClient handles DELETE /api/v1/clients/:clientId.
func (h *Handler) DeleteClient(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteClient(c.Request.Context(), ownerID, c.Param("clientId")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Client deleted"})
}

// Authorize handles POST /api/v1/clients/:clientId/authorize. The caller
// consents (or declines) on behalf of their own account.
func (h *Handler) Authorize(c *gin.Context) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}
	var req authorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	code, err := h.svc.Authorize(c.Request.Context(), c.Param("clientId"), id.OwnerID, req.Scopes, req.Approved)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !req.Approved {
		c.JSON(http.StatusOK, gin.H{"success": true, "approved": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "approved": true, "code": code})
}

// IssueToken handles POST /api/v1/clients/:clientId/tokens with the
// client_credentials grant for the owning developer.
func (h *Handler) IssueToken(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	client, err := h.svc.OwnedClient(c.Request.Context(), ownerID, c.Param("clientId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	pair, err := h.svc.IssueToken(c.Request.Context(), client.ID, ownerID, "client_credentials", req.Scopes)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "token": pair})
}

// RevokeToken handles DELETE /api/v1/clients/:clientId/tokens/:tokenId.
func (h *Handler) RevokeToken(c *gin.Context) {
	ownerID, ok := owner(c)
	if !ok {
		return
	}
	client, err := h.svc.OwnedClient(c.Request.Context(), ownerID, c.Param("clientId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.svc.RevokeToken(c.Request.Context(), client.ID, c.Param("tokenId")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Token revoked"})
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrClientNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Client not found"})
	case errors.Is(err, ErrTokenNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Token not found"})
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidScope), errors.Is(err, ErrClientLimit):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("oauth request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
	}
}
