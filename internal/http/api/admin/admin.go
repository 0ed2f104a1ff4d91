package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ChatRelay/internal/apperror"
	handlers "github.com/router-for-me/ChatRelay/internal/http/api/admin/handlers"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/purge"
	"github.com/router-for-me/ChatRelay/internal/security"
	"github.com/router-for-me/ChatRelay/internal/session"
	"github.com/router-for-me/ChatRelay/internal/store"
)

// EnvironmentHeader carries the client environment fingerprint a token was issued for.
const EnvironmentHeader = "X-Client-Environment"

// Deps holds the components the admin routes operate on.
type Deps struct {
	Identity *store.Identity
	Presence *presence.Tracker
	Sessions *session.Manager
	Purge    *purge.Coordinator
	Tokens   *security.Tokens
}

// RegisterAdminRoutes registers the health probe and the administrator API.
func RegisterAdminRoutes(r *gin.Engine, deps Deps) {
	if r == nil || deps.Identity == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.Identity)
	r.GET("/healthz", healthHandler.Healthz)

	authed := r.Group("/v0/admin")
	authed.Use(adminAuthMiddleware(deps.Identity, deps.Tokens))

	userHandler := handlers.NewUserHandler(deps.Identity, deps.Presence, deps.Sessions, deps.Purge)
	authed.GET("/users", userHandler.List)
	authed.GET("/users/:id", userHandler.Get)
	authed.DELETE("/users/:id", userHandler.Delete)
	authed.POST("/users/:id/seal", userHandler.Seal)
	authed.POST("/users/:id/unseal", userHandler.Unseal)

	settingHandler := handlers.NewSettingHandler(deps.Sessions)
	authed.GET("/settings/registration", settingHandler.GetRegistration)
	authed.PUT("/settings/registration", settingHandler.UpdateRegistration)
}

// adminAuthMiddleware validates bearer tokens and requires an administrator identity.
func adminAuthMiddleware(identity *store.Identity, tokens *security.Tokens) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errToken := tokens.Verify(token, strings.TrimSpace(c.GetHeader(EnvironmentHeader)))
		if errToken != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apperror.MessageOf(errToken), "code": apperror.CodeOf(errToken)})
			return
		}

		user, errFind := identity.UserByID(c.Request.Context(), claims.UserID)
		if errFind != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		if !user.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "administrator only"})
			return
		}
		if user.Sealed {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account sealed"})
			return
		}

		c.Set("adminID", user.ID)
		c.Set("adminUsername", user.Username)
		c.Next()
	}
}
