package janitor

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/logging"
)

// Handler exposes an on-demand cleanup run for administrators.
type Handler struct {
	janitor *Janitor
}

// NewHandler creates a janitor handler.
func NewHandler(j *Janitor) *Handler {
	return &Handler{janitor: j}
}

// RunCleanup handles POST /api/v1/admin/cleanup. Partial failures still
// return the counts that succeeded, with status 500.
func (h *Handler) RunCleanup(c *gin.Context) {
	report, err := h.janitor.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("on-demand cleanup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "Cleanup incomplete", "report": report})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
