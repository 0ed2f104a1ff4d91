package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ChatRelay/internal/session"
)

// SettingHandler manages runtime switches.
type SettingHandler struct {
	sessions *session.Manager
}

// NewSettingHandler constructs a SettingHandler.
func NewSettingHandler(sessions *session.Manager) *SettingHandler {
	return &SettingHandler{sessions: sessions}
}

type updateRegistrationRequest struct {
	Disabled *bool `json:"disabled" binding:"required"`
}

// GetRegistration returns the effective registration switch.
func (h *SettingHandler) GetRegistration(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"disabled": h.sessions.RegistrationDisabled(c.Request.Context())})
}

// UpdateRegistration stores the registration override.
func (h *SettingHandler) UpdateRegistration(c *gin.Context) {
	var body updateRegistrationRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	if errSet := h.sessions.SetRegistrationDisabled(ctx, *body.Disabled); errSet != nil {
		writeError(c, errSet)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": h.sessions.RegistrationDisabled(ctx)})
}
