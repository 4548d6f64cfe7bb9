package reconciliation

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the conservation check over HTTP.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// RegisterRoutes registers reconciliation endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/admin/reconcile", h.check)
}

func (h *Handler) check(c *gin.Context) {
	result, err := h.svc.Check(c.Request.Context())
	if err != nil {
		h.logger.Error("conservation check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reconciliation_failed",
			"message": "could not compute conservation check",
		})
		return
	}
	if !result.Match {
		h.logger.Error("conservation invariant violated", "diff", result.Diff)
	}
	c.JSON(http.StatusOK, result)
}
