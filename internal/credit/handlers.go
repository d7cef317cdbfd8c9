package credit

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/logging"
)

// Handler serves balance and plan endpoints.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a credit handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// GetBalance handles GET /api/v1/credits for the authenticated caller.
func (h *Handler) GetBalance(c *gin.Context) {
	id, ok := auth.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}

	bal, err := h.ledger.Balance(c.Request.Context(), id.OwnerID)
	if errors.Is(err, ErrNoSubscription) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "No active subscription"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("load balance failed", "owner", id.OwnerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Failed to load balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "balance": bal})
}

// ListPlans handles GET /api/v1/plans.
func (h *Handler) ListPlans(c *gin.Context) {
	out := make([]Plan, 0, len(plans))
	for _, p := range plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestsPerMinute < out[j].RequestsPerMinute })
	c.JSON(http.StatusOK, gin.H{"success": true, "plans": out})
}
