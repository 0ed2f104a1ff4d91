// Package session implements the per-connection authentication state machine:
// registration, password and directory login, token re-login, and guest access.
package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/directory"
	"github.com/router-for-me/ChatRelay/internal/kv"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/ratelimit"
	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/security"
	"github.com/router-for-me/ChatRelay/internal/settings"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
)

// AuthHint steers login between the directory and local credentials.
type AuthHint string

const (
	// AuthAuto tries the directory first when one is configured.
	AuthAuto AuthHint = ""
	// AuthLocal skips the directory.
	AuthLocal AuthHint = "local"
)

// Options wires a Manager.
type Options struct {
	Store    *store.Identity
	Registry *registry.Registry
	Presence *presence.Tracker
	Tokens   *security.Tokens
	Soft     *kv.Soft
	Limiter  ratelimit.Checker
	// Directory is optional; nil disables directory login.
	Directory directory.Authenticator
	// RegistrationDisabled is the static default used when no override is stored.
	RegistrationDisabled bool
	NowFn                func() time.Time
}

// Manager authenticates connections and binds them in the registry.
type Manager struct {
	store     *store.Identity
	registry  *registry.Registry
	presence  *presence.Tracker
	tokens    *security.Tokens
	soft      *kv.Soft
	limiter   ratelimit.Checker
	directory directory.Authenticator

	registrationDisabled bool
	nowFn                func() time.Time
}

// NewManager constructs a Manager.
func NewManager(opts Options) *Manager {
	nowFn := opts.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Manager{
		store:                opts.Store,
		registry:             opts.Registry,
		presence:             opts.Presence,
		tokens:               opts.Tokens,
		soft:                 opts.Soft,
		limiter:              opts.Limiter,
		directory:            opts.Directory,
		registrationDisabled: opts.RegistrationDisabled,
		nowFn:                nowFn,
	}
}

// Register creates a local identity for the connection and binds it.
func (m *Manager) Register(ctx context.Context, connID, username, password string) (*Result, error) {
	client, errClient := m.client(connID)
	if errClient != nil {
		return nil, errClient
	}
	if m.RegistrationDisabled(ctx) {
		return nil, apperror.New(apperror.CodeRegistrationDisabled, "registration is disabled")
	}

	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperror.New(apperror.CodeValidation, "username and password are required")
	}
	if !validHandle(username) {
		return nil, apperror.Newf(apperror.CodeValidation, "username must be at most %d letters, digits, or _-.", settings.MaxHandleLength)
	}
	if errSealed := m.checkAddress(ctx, client.IP); errSealed != nil {
		return nil, errSealed
	}
	if sealed, known := m.soft.Flag(ctx, settings.SealNameKey(username)); sealed {
		return nil, apperror.New(apperror.CodeValidation, "username is not allowed")
	} else if !known {
		log.WithField("username", username).Warn("session: suppression check skipped")
	}
	if result := m.limiter.Check(ctx, client.IP); !result.Allowed {
		return nil, apperror.New(apperror.CodeRateLimited, "too many registrations from this address, try again later")
	}

	if errBegin := m.begin(connID); errBegin != nil {
		return nil, errBegin
	}
	committed := false
	defer func() {
		if !committed {
			m.registry.AbortAuth(connID)
		}
	}()

	if _, errExisting := m.store.UserByName(ctx, username); errExisting == nil {
		return nil, apperror.New(apperror.CodeValidation, "username already exists")
	} else if !errors.Is(errExisting, apperror.ErrNotFound) {
		return nil, errExisting
	}

	salt, errSalt := security.NewSalt()
	if errSalt != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "generate salt", errSalt)
	}
	hash, errHash := security.HashPassword(salt, password)
	if errHash != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "hash password", errHash)
	}
	user := &models.User{
		Username: username,
		Salt:     salt,
		Password: hash,
		Provider: models.ProviderLocal,
	}
	if _, errCreate := m.store.CreateUserInDefaultGroup(ctx, user); errCreate != nil {
		return nil, errCreate
	}
	m.limiter.Record(ctx, client.IP, user.ID)

	result, errComplete := m.complete(ctx, connID, client, user)
	if errComplete != nil {
		return nil, errComplete
	}
	committed = true
	log.WithFields(log.Fields{"user_id": user.ID, "ip": client.IP}).Info("session: identity registered")
	return result, nil
}

// Login authenticates by handle and secret, through the directory when configured.
func (m *Manager) Login(ctx context.Context, connID, username, password string, hint AuthHint) (*Result, error) {
	client, errClient := m.client(connID)
	if errClient != nil {
		return nil, errClient
	}
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, apperror.New(apperror.CodeValidation, "username and password are required")
	}
	if errSealed := m.checkAddress(ctx, client.IP); errSealed != nil {
		return nil, errSealed
	}

	if errBegin := m.begin(connID); errBegin != nil {
		return nil, errBegin
	}
	committed := false
	defer func() {
		if !committed {
			m.registry.AbortAuth(connID)
		}
	}()

	user, errResolve := m.resolveLogin(ctx, client, username, password, hint)
	if errResolve != nil {
		return nil, errResolve
	}
	if errSealed := m.checkSealed(ctx, user); errSealed != nil {
		return nil, errSealed
	}

	result, errComplete := m.complete(ctx, connID, client, user)
	if errComplete != nil {
		return nil, errComplete
	}
	committed = true
	return result, nil
}

func (m *Manager) resolveLogin(ctx context.Context, client registry.ClientInfo, username, password string, hint AuthHint) (*models.User, error) {
	if m.directory != nil && hint != AuthLocal {
		entry, errDir := m.directory.Authenticate(ctx, username, password)
		if errDir == nil {
			return m.provisionDirectoryUser(ctx, client, entry)
		}
		log.WithError(errDir).WithField("username", username).Debug("session: directory login failed, trying local credentials")
	}

	user, errFind := m.store.UserByName(ctx, username)
	if errFind != nil {
		return nil, errFind
	}
	if user.Provider == models.ProviderBot || !security.ComparePassword(user.Password, user.Salt, password) {
		return nil, apperror.New(apperror.CodeBadCredential, "password is incorrect")
	}
	return user, nil
}

func (m *Manager) provisionDirectoryUser(ctx context.Context, client registry.ClientInfo, entry *directory.Entry) (*models.User, error) {
	user, errFind := m.store.UserByName(ctx, entry.Username)
	if errFind == nil {
		return user, nil
	}
	if !errors.Is(errFind, apperror.ErrNotFound) {
		return nil, errFind
	}
	user = &models.User{Username: entry.Username, Provider: models.ProviderDirectory}
	if _, errCreate := m.store.CreateUserInDefaultGroup(ctx, user); errCreate != nil {
		// A concurrent login may have provisioned the same handle.
		if existing, errReload := m.store.UserByName(ctx, entry.Username); errReload == nil {
			return existing, nil
		}
		return nil, errCreate
	}
	m.limiter.Record(ctx, "", user.ID)
	log.WithFields(log.Fields{"user_id": user.ID, "dn": entry.DN, "ip": client.IP}).Info("session: directory identity provisioned")
	return user, nil
}

// LoginByToken re-binds a connection from a previously issued token.
func (m *Manager) LoginByToken(ctx context.Context, connID, token string) (*Result, error) {
	client, errClient := m.client(connID)
	if errClient != nil {
		return nil, errClient
	}
	claims, errVerify := m.tokens.Verify(token, client.Environment)
	if errVerify != nil {
		return nil, errVerify
	}
	if errSealed := m.checkAddress(ctx, client.IP); errSealed != nil {
		return nil, errSealed
	}

	if errBegin := m.begin(connID); errBegin != nil {
		return nil, errBegin
	}
	committed := false
	defer func() {
		if !committed {
			m.registry.AbortAuth(connID)
		}
	}()

	user, errFind := m.store.UserByID(ctx, claims.UserID)
	if errFind != nil {
		return nil, errFind
	}
	if errSealed := m.checkSealed(ctx, user); errSealed != nil {
		return nil, errSealed
	}
	result, errComplete := m.complete(ctx, connID, client, user)
	if errComplete != nil {
		return nil, errComplete
	}
	committed = true
	return result, nil
}

// Guest joins an unauthenticated connection to the default group read-only.
func (m *Manager) Guest(ctx context.Context, connID string) (*GuestResult, error) {
	if _, errClient := m.client(connID); errClient != nil {
		return nil, errClient
	}
	if errGuest := m.registry.SetGuest(connID); errGuest != nil {
		return nil, registryError(errGuest)
	}
	group, errGroup := m.store.DefaultGroup(ctx)
	if errGroup != nil {
		return nil, errGroup
	}
	messages, errMessages := m.store.RecentMessages(ctx, models.GroupTarget(group.ID), settings.GuestMessageCount)
	if errMessages != nil {
		return nil, errMessages
	}
	if errJoin := m.registry.Join(connID, group.ID); errJoin != nil {
		return nil, registryError(errJoin)
	}
	m.presence.InvalidateGroup(group.ID)
	return &GuestResult{Group: NewGroupView(*group), Messages: messages}, nil
}

// RegistrationDisabled reports the effective registration switch. A stored override
// wins; an absent or unreadable override falls back to the static default.
func (m *Manager) RegistrationDisabled(ctx context.Context) bool {
	raw, found, known := m.soft.Value(ctx, settings.DisableRegisterKey)
	if !known || !found {
		return m.registrationDisabled
	}
	disabled, errParse := strconv.ParseBool(strings.TrimSpace(raw))
	if errParse != nil {
		return m.registrationDisabled
	}
	return disabled
}

// SetRegistrationDisabled stores the registration override.
func (m *Manager) SetRegistrationDisabled(ctx context.Context, disabled bool) error {
	if !m.soft.Put(ctx, settings.DisableRegisterKey, strconv.FormatBool(disabled), 0) {
		return apperror.New(apperror.CodeExternalService, "registration switch could not be stored")
	}
	return nil
}

// Seal suppresses or restores userID. Sealing also drops its live connections.
func (m *Manager) Seal(ctx context.Context, userID uint64, sealed bool) error {
	if errSeal := m.store.SetSealed(ctx, userID, sealed); errSeal != nil {
		return errSeal
	}
	key := settings.SealUserKey(userID)
	if sealed {
		if !m.soft.Mark(ctx, key, 0) {
			log.WithField("user_id", userID).Warn("session: seal flag not mirrored to kv")
		}
		m.registry.ForceDisconnect(userID, "sealed")
		m.presence.Invalidate(userID)
		return nil
	}
	if !m.soft.Clear(ctx, key) {
		log.WithField("user_id", userID).Warn("session: seal flag not cleared in kv")
	}
	return nil
}

// IsAdmin reports whether the connection is bound to an administrator.
func (m *Manager) IsAdmin(ctx context.Context, connID string) (bool, error) {
	userID, errAuth := m.Authenticated(connID)
	if errAuth != nil {
		return false, errAuth
	}
	user, errFind := m.store.UserByID(ctx, userID)
	if errFind != nil {
		return false, errFind
	}
	return user.IsAdmin, nil
}

// Authenticated returns the identity bound to connID or an Unauthorized error.
func (m *Manager) Authenticated(connID string) (uint64, error) {
	state, userID, ok := m.registry.State(connID)
	if !ok || state != registry.StateAuthenticated || userID == 0 {
		return 0, apperror.New(apperror.CodeUnauthorized, "please log in first")
	}
	return userID, nil
}

func (m *Manager) complete(ctx context.Context, connID string, client registry.ClientInfo, user *models.User) (*Result, error) {
	if state, bound, _ := m.registry.State(connID); state == registry.StateAuthenticated && bound != user.ID {
		return nil, registryError(registry.ErrAlreadyBound)
	}
	now := m.nowFn().UTC()
	if errTouch := m.store.TouchLogin(ctx, user.ID, now, client.IP); errTouch != nil {
		return nil, errTouch
	}
	groups, errGroups := m.store.GroupsOf(ctx, user.ID)
	if errGroups != nil {
		return nil, errGroups
	}
	friends, errFriends := m.store.FriendsOf(ctx, user.ID)
	if errFriends != nil {
		return nil, errFriends
	}
	token, errToken := m.tokens.Issue(user.ID, client.Environment)
	if errToken != nil {
		return nil, apperror.Wrap(apperror.CodeInternal, "issue token", errToken)
	}

	if errBind := m.registry.Bind(connID, user.ID); errBind != nil {
		return nil, registryError(errBind)
	}
	groupIDs := make([]uint64, 0, len(groups))
	groupViews := make([]GroupView, 0, len(groups))
	for _, group := range groups {
		if errJoin := m.registry.Join(connID, group.ID); errJoin != nil {
			return nil, registryError(errJoin)
		}
		groupIDs = append(groupIDs, group.ID)
		groupViews = append(groupViews, NewGroupView(group))
	}
	if errSocket := m.store.BindSocket(ctx, connID, user.ID); errSocket != nil {
		log.WithError(errSocket).WithField("conn_id", connID).Warn("session: socket record not bound")
	}
	m.presence.Invalidate(user.ID)
	m.presence.InvalidateGroup(groupIDs...)

	friendViews := make([]UserView, 0, len(friends))
	for _, friend := range friends {
		friendViews = append(friendViews, NewUserView(friend))
	}
	user.LastLoginAt = &now
	user.LastLoginIP = client.IP
	return &Result{
		User:    NewUserView(*user),
		Token:   token,
		Groups:  groupViews,
		Friends: friendViews,
		IsNew:   m.limiter.IsNew(ctx, user.ID),
	}, nil
}

func (m *Manager) checkAddress(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}
	sealed, known := m.soft.Flag(ctx, settings.SealIPKey(addr))
	if !known {
		log.WithField("ip", addr).Warn("session: address suppression check skipped")
		return nil
	}
	if sealed {
		return apperror.New(apperror.CodeSuppressed, "this address has been sealed")
	}
	return nil
}

func (m *Manager) checkSealed(ctx context.Context, user *models.User) error {
	if user.Sealed {
		return apperror.New(apperror.CodeSuppressed, "this account has been sealed")
	}
	sealed, known := m.soft.Flag(ctx, settings.SealUserKey(user.ID))
	if !known {
		log.WithField("user_id", user.ID).Warn("session: identity suppression check skipped")
		return nil
	}
	if sealed {
		return apperror.New(apperror.CodeSuppressed, "this account has been sealed")
	}
	return nil
}

func (m *Manager) begin(connID string) error {
	if errBegin := m.registry.BeginAuth(connID); errBegin != nil {
		return registryError(errBegin)
	}
	return nil
}

func (m *Manager) client(connID string) (registry.ClientInfo, error) {
	info, ok := m.registry.Info(connID)
	if !ok {
		return registry.ClientInfo{}, apperror.New(apperror.CodeNotFound, "connection not found")
	}
	return info, nil
}

func registryError(err error) error {
	switch {
	case errors.Is(err, registry.ErrGuestLocked):
		return apperror.New(apperror.CodeUnauthorized, "guest connections cannot log in, reconnect first")
	case errors.Is(err, registry.ErrAlreadyBound):
		return apperror.New(apperror.CodeUnauthorized, "connection is already logged in as another user")
	case errors.Is(err, registry.ErrAuthenticated):
		return apperror.New(apperror.CodeValidation, "connection is already logged in")
	case errors.Is(err, registry.ErrAuthInFlight):
		return apperror.New(apperror.CodeValidation, "login already in progress")
	case errors.Is(err, registry.ErrUnknownConn):
		return apperror.New(apperror.CodeNotFound, "connection not found")
	default:
		return apperror.Wrap(apperror.CodeInternal, "registry", err)
	}
}
