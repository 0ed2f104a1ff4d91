package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
)

// HealthHandler reports durable store reachability.
type HealthHandler struct {
	identity *store.Identity
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(identity *store.Identity) *HealthHandler {
	return &HealthHandler{identity: identity}
}

// Healthz pings the durable store.
func (h *HealthHandler) Healthz(c *gin.Context) {
	if errPing := h.identity.Ping(c.Request.Context()); errPing != nil {
		log.WithError(errPing).Warn("healthz: store unreachable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
