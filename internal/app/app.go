// Package app wires the chat server components and runs the HTTP listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/router-for-me/ChatRelay/internal/completion"
	"github.com/router-for-me/ChatRelay/internal/config"
	"github.com/router-for-me/ChatRelay/internal/conversation"
	"github.com/router-for-me/ChatRelay/internal/db"
	"github.com/router-for-me/ChatRelay/internal/directory"
	"github.com/router-for-me/ChatRelay/internal/http/api/admin"
	"github.com/router-for-me/ChatRelay/internal/kv"
	"github.com/router-for-me/ChatRelay/internal/logging"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/purge"
	"github.com/router-for-me/ChatRelay/internal/ratelimit"
	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/relay"
	"github.com/router-for-me/ChatRelay/internal/security"
	"github.com/router-for-me/ChatRelay/internal/session"
	"github.com/router-for-me/ChatRelay/internal/store"
	"github.com/router-for-me/ChatRelay/internal/ws"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout = 10 * time.Second
	redisPingWait   = 5 * time.Second
)

// Components holds the wired server graph.
type Components struct {
	Identity  *store.Identity
	Registry  *registry.Registry
	Presence  *presence.Tracker
	Sessions  *session.Manager
	Responder *relay.Service
	Purge     *purge.Coordinator
	Tokens    *security.Tokens
	Handler   *ws.Handler

	closeKV func() error
}

// Close releases resources owned by the components.
func (c *Components) Close() error {
	if c == nil || c.closeKV == nil {
		return nil
	}
	return c.closeKV()
}

// Build wires every component over an open, migrated connection.
func Build(ctx context.Context, cfg config.AppConfig, conn *gorm.DB) (*Components, error) {
	identity := store.NewIdentity(conn)
	if _, errAdmin := EnsureAdmin(ctx, conn, identity, cfg.Admin); errAdmin != nil {
		return nil, errAdmin
	}
	responderCfg := cfg.Responder
	if _, errBot := identity.EnsureResponder(ctx, responderCfg.Name, responderCfg.Avatar, responderCfg.Enabled, models.BotConfig{
		Endpoint:     responderCfg.Endpoint,
		APIKey:       responderCfg.APIKey,
		Model:        responderCfg.Model,
		SystemPrompt: responderCfg.SystemPrompt,
		Temperature:  responderCfg.Temperature,
		MaxTokens:    responderCfg.MaxTokens,
		MaxPairs:     responderCfg.MaxPairs,
	}); errBot != nil {
		return nil, fmt.Errorf("seed responder: %w", errBot)
	}

	kvStore, closeKV := openKV(ctx, cfg.Redis)
	soft := kv.NewSoft(kvStore, nil)
	reg := registry.New()
	tracker := presence.NewTracker(reg, nil)

	var dir directory.Authenticator
	if cfg.LDAP.Enabled() {
		dir = directory.NewLDAP(cfg.LDAP)
	}
	tokens := security.NewTokens(cfg.JWT.Secret, cfg.JWT.Expiry, nil)
	sessions := session.NewManager(session.Options{
		Store:                identity,
		Registry:             reg,
		Presence:             tracker,
		Tokens:               tokens,
		Soft:                 soft,
		Limiter:              ratelimit.NewRegistrationLimiter(soft),
		Directory:            dir,
		RegistrationDisabled: cfg.Registration.Disabled,
	})

	conversations := conversation.NewManager(identity, nil)
	exchanges := relay.New(completion.NewClient(nil), conversations, identity, reg)
	responder := relay.NewService(exchanges, conversations, identity, reg, responderCfg.Name)
	coordinator := purge.NewCoordinator(identity, reg, tracker, soft)

	handler, errHandler := ws.NewHandler(ws.Options{
		Store:     identity,
		Registry:  reg,
		Presence:  tracker,
		Sessions:  sessions,
		Responder: responder,
		Purge:     coordinator,
	})
	if errHandler != nil {
		_ = closeKV()
		return nil, errHandler
	}
	return &Components{
		Identity:  identity,
		Registry:  reg,
		Presence:  tracker,
		Sessions:  sessions,
		Responder: responder,
		Purge:     coordinator,
		Tokens:    tokens,
		Handler:   handler,
		closeKV:   closeKV,
	}, nil
}

// NewEngine mounts the websocket endpoint, the health probe, and the admin API.
func NewEngine(c *Components) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	admin.RegisterAdminRoutes(engine, admin.Deps{
		Identity: c.Identity,
		Presence: c.Presence,
		Sessions: c.Sessions,
		Purge:    c.Purge,
		Tokens:   c.Tokens,
	})
	c.Handler.Register(engine)
	return engine
}

// RunServer boots the chat server and blocks until ctx is done or the listener fails.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	logCloser, errLog := logging.Setup(cfg.Logging)
	if errLog != nil {
		return errLog
	}
	defer func() { _ = logCloser.Close() }()

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	components, errBuild := Build(ctx, cfg, conn)
	if errBuild != nil {
		return errBuild
	}
	defer func() {
		if errClose := components.Close(); errClose != nil {
			log.WithError(errClose).Warn("app: close kv store")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           NewEngine(components),
		ReadHeaderTimeout: 10 * time.Second,
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Infof("chat server listening on %s (config=%s)", cfg.Server.Addr, cfg.ConfigPath)
		if errServe := srv.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errShutdown := srv.Shutdown(shutdownCtx)
		// Hijacked websocket connections are not tracked by Shutdown.
		if closed := components.Registry.CloseAll(); closed > 0 {
			log.Infof("closed %d live connections", closed)
		}
		return errShutdown
	})
	errRun := group.Wait()
	components.Responder.Wait()
	log.Info("chat server stopped")
	return errRun
}

// openKV selects redis when an address is configured, process memory otherwise.
// An unreachable redis is not fatal: soft checks degrade open until it returns.
func openKV(ctx context.Context, cfg config.RedisConfig) (kv.Store, func() error) {
	if cfg.Addr == "" {
		return kv.NewMemoryStore(nil), func() error { return nil }
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingWait)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		log.WithError(errPing).WithField("addr", cfg.Addr).Warn("app: redis unreachable, soft checks degrade open")
	}
	redisStore := kv.NewRedisStore(client, cfg.Prefix)
	return redisStore, redisStore.Close
}

// corsMiddleware allows browser clients served from another origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Client-Environment")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
