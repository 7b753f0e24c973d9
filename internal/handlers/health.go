package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"poly2api-go/internal/version"
)

// Health serves GET /health.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
	})
}
