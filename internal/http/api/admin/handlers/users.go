package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/purge"
	"github.com/router-for-me/ChatRelay/internal/session"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// UserHandler manages identity endpoints.
type UserHandler struct {
	identity *store.Identity
	presence *presence.Tracker
	sessions *session.Manager
	purge    *purge.Coordinator
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(identity *store.Identity, tracker *presence.Tracker, sessions *session.Manager, coordinator *purge.Coordinator) *UserHandler {
	return &UserHandler{identity: identity, presence: tracker, sessions: sessions, purge: coordinator}
}

// List returns identities with an optional handle search.
func (h *UserHandler) List(c *gin.Context) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(parsed, maxListLimit)
	}

	rows, errList := h.identity.ListUsers(c.Request.Context(), c.Query("search"), limit)
	if errList != nil {
		writeError(c, errList)
		return
	}
	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, h.userJSON(row))
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}

// Get returns an identity by ID with its group memberships.
func (h *UserHandler) Get(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	user, errFind := h.identity.UserByID(ctx, id)
	if errFind != nil {
		writeError(c, errFind)
		return
	}
	groups, errGroups := h.identity.GroupsOf(ctx, id)
	if errGroups != nil {
		writeError(c, errGroups)
		return
	}
	groupViews := make([]session.GroupView, 0, len(groups))
	for _, group := range groups {
		groupViews = append(groupViews, session.NewGroupView(group))
	}
	out := h.userJSON(*user)
	out["groups"] = groupViews
	c.JSON(http.StatusOK, out)
}

// Delete hard-deletes an identity referenced by numeric id or handle.
func (h *UserHandler) Delete(c *gin.Context) {
	ref := strings.TrimSpace(c.Param("id"))
	report, errPurge := h.purge.HardDelete(c.Request.Context(), ref)
	if errPurge != nil {
		writeError(c, errPurge)
		return
	}
	if errSteps := report.Err(); errSteps != nil {
		log.WithError(errSteps).WithField("ref", ref).Warn("admin: deletion incomplete")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deletion incomplete, retry", "report": report})
		return
	}
	c.JSON(http.StatusOK, report)
}

// Seal suppresses an identity and drops its live connections.
func (h *UserHandler) Seal(c *gin.Context) {
	h.setSealed(c, true)
}

// Unseal restores a suppressed identity.
func (h *UserHandler) Unseal(c *gin.Context) {
	h.setSealed(c, false)
}

func (h *UserHandler) setSealed(c *gin.Context, sealed bool) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if adminID, exists := c.Get("adminID"); exists && adminID == id && sealed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot seal yourself"})
		return
	}
	if errSeal := h.sessions.Seal(c.Request.Context(), id, sealed); errSeal != nil {
		writeError(c, errSeal)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "sealed": sealed})
}

func (h *UserHandler) userJSON(row models.User) gin.H {
	return gin.H{
		"id":            row.ID,
		"username":      row.Username,
		"provider":      row.Provider,
		"is_admin":      row.IsAdmin,
		"sealed":        row.Sealed,
		"online":        h.presence.IsOnline(row.ID),
		"last_login_at": row.LastLoginAt,
		"last_login_ip": row.LastLoginIP,
		"created_at":    row.CreatedAt,
	}
}

func parseID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}
