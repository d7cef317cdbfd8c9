package usage

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/logging"
	"github.com/sudigital/neptu-api/internal/pagination"
)

// Handler serves the caller's usage history.
type Handler struct {
	store Store
}

// NewHandler creates a usage handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// List handles GET /api/v1/usage?limit=&cursor=
func (h *Handler) List(c *gin.Context) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid cursor"})
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	limit = pagination.ClampLimit(limit)

	recs, err := h.store.ListByCredential(c.Request.Context(), id.CredentialID, cursor, limit+1)
	if err != nil {
		logging.L(c.Request.Context()).Error("list usage failed", "credential", id.CredentialID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to list usage"})
		return
	}
	page, next := pagination.ComputePage(recs, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if page == nil {
		page = []*Record{}
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "records": page, "nextCursor": next})
}

// Summary handles GET /api/v1/usage/summary?days=
func (h *Handler) Summary(c *gin.Context) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}

	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days <= 0 || days > 365 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "days must be between 1 and 365"})
		return
	}
	since := time.Now().UTC().AddDate(0, 0, -days)

	sum, err := h.store.Summary(c.Request.Context(), id.CredentialID, since)
	if err != nil {
		logging.L(c.Request.Context()).Error("usage summary failed", "credential", id.CredentialID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to summarize usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "summary": sum})
}
