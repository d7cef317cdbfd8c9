package webhooks

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/oauth"
	"github.com/sudigital/neptu-api/internal/pagination"
)

const secretWarning = "Store the webhook secret securely. It will not be shown again."

// ClientDirectory resolves a client for its owner. Clients owned by someone
// else are reported as oauth.ErrClientNotFound.
type ClientDirectory interface {
	OwnedClient(ctx context.Context, ownerID, clientID string) (*oauth.Client, error)
}

// Handler serves webhook management endpoints under /clients/:clientId/webhooks.
type Handler struct {
	registry *Registry
	clients  ClientDirectory
}

// NewHandler creates a webhook handler.
func NewHandler(registry *Registry, clients ClientDirectory) *Handler {
	return &Handler{registry: registry, clients: clients}
}

// withSecret is the one response shape that carries the signing secret.
type withSecret struct {
	*Subscription
	Secret string `json:"secret"`
}

// client resolves :clientId for the caller, writing the error response on failure.
func (h *Handler) client(c *gin.Context) (string, bool) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return "", false
	}
	cl, err := h.clients.OwnedClient(c.Request.Context(), id.OwnerID, c.Param("clientId"))
	if errors.Is(err, oauth.ErrClientNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Client not found"})
		return "", false
	}
	if err != nil {
		h.fail(c, err)
		return "", false
	}
	return cl.ID, true
}

// ListEvents handles GET /webhooks/events.
func (h *Handler) ListEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "events": Events()})
}

// List handles GET /clients/:clientId/webhooks.
func (h *Handler) List(c *gin.Context) {
	clientID, ok := h.client(c)
	if !ok {
		return
	}
	subs, err := h.registry.List(c.Request.Context(), clientID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "webhooks": subs})
}

// Create handles POST /clients/:clientId/webhooks.
func (h *Handler) Create(c *gin.Context) {
	clientID, ok := h.client(c)
	if !ok {
		return
	}
	var req CreateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	sub, err := h.registry.Create(c.Request.Context(), clientID, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"webhook": withSecret{Subscription: sub, Secret: sub.Secret},
		"warning": secretWarning,
	})
}

// Get handles GET /clients/:clientId/webhooks/:webhookId.
func (h *Handler) Get(c *gin.Context) {
	clientID, ok := h.client(c)
	if !ok {
		return
	}
	sub, err := h.registry.Get(c.Request.Context(), clientID, c.Param("webhookId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "webhook": sub})
}

// Update handles PATCH /clients/:clientId/webhooks/:webhookId.
func (h *Handler) Update(c *gin.Context) {
	clientID, ok := h.client(c)
	if !ok {
		return
	}
	var req UpdateParams
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid request body"})
		return
	}
	sub, err := h.registry.Update(c.Request.Context(), clientID, c.Param("webhookId"), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "webhook": sub})
}

// Delete handles DELETE /clients/:clientId/webhooks/:webhookId.
func (h *Handler) Delete(c *gin.Context) {
	clientID, ok := h.client(c)
	if !ok {
		return
	}
	if err := h.registry.Delete(c.Request.Context(), clientID, c.Param("webhookId")); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Webhook deleted"})
}

// RotateSecret handles POST /clients/:clientId/webhooks/:webhookId/rotate-secret.
func (h *Handler) RotateSecret(c *gin.Context) {
	clientID, ok := h.client(c)
	if !ok {
		return
	}
	sub, err := h.registry.RotateSecret(c.Request.Context(), clientID, c.Param("webhookId"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"webhook": withSecret{Subscription: sub, Secret: sub.Secret},
		"warning": secretWarning,
	})
}

// ListDeliveries handles GET /clients/:clientId/webhooks/:webhookId/deliveries.
// Query: status, cursor, limit.
func (h *Handler) ListDeliveries(c *gin.Context) {
	clientID, ok := h.client(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	sub, err := h.registry.Get(ctx, clientID, c.Param("webhookId"))
	if err != nil {
		h.fail(c, err)
		return
	}

	status := DeliveryStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid status filter"})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid cursor"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit)

	rows, err := h.registry.Store().ListDeliveries(ctx, sub.ID, DeliveryFilter{
		Status: status,
		Cursor: cursor,
		Limit:  limit + 1,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	page, next := pagination.ComputePage(rows, limit, func(d *Delivery) (time.Time, string) {
		return d.CreatedAt, d.ID
	})
	if page == nil {
		page = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "deliveries": page, "nextCursor": next})
}

func (h *Handler) fail(c *gin.Context, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": verr.Message})
	case errors.Is(err, ErrLimitReached):
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Maximum of " + strconv.Itoa(MaxSubscriptionsPerClient) + " webhooks per client",
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Webhook not found"})
	default:
		logging.L(c.Request.Context()).Error("webhook request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Internal server error"})
	}
}
