package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/db"
	"github.com/router-for-me/ChatRelay/internal/directory"
	"github.com/router-for-me/ChatRelay/internal/kv"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/ratelimit"
	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/security"
	"github.com/router-for-me/ChatRelay/internal/settings"
	"github.com/router-for-me/ChatRelay/internal/store"
	"gorm.io/gorm"
)

type testConn struct {
	id   string
	info registry.ClientInfo

	mu     sync.Mutex
	events []string
	closed bool
}

func (c *testConn) ID() string                { return c.id }
func (c *testConn) Info() registry.ClientInfo { return c.info }
func (c *testConn) Send(event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}
func (c *testConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

type fakeDirectory struct {
	users map[string]string
}

func (d *fakeDirectory) Authenticate(_ context.Context, username, password string) (*directory.Entry, error) {
	if want, ok := d.users[username]; ok && want == password {
		return &directory.Entry{DN: "uid=" + username + ",dc=test", Username: username}, nil
	}
	return nil, directory.ErrNotAuthenticated
}

type harness struct {
	conn     *gorm.DB
	manager  *Manager
	store    *store.Identity
	registry *registry.Registry
	kv       *kv.MemoryStore
	tokens   *security.Tokens
	seq      int
}

func newHarness(t *testing.T, dir directory.Authenticator) *harness {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "session-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	identity := store.NewIdentity(conn)
	reg := registry.New()
	mem := kv.NewMemoryStore(nil)
	soft := kv.NewSoft(mem, nil)
	tokens := security.NewTokens("test-secret", time.Hour, nil)
	manager := NewManager(Options{
		Store:     identity,
		Registry:  reg,
		Presence:  presence.NewTracker(reg, nil),
		Tokens:    tokens,
		Soft:      soft,
		Limiter:   ratelimit.NewRegistrationLimiter(soft),
		Directory: dir,
	})
	return &harness{conn: conn, manager: manager, store: identity, registry: reg, kv: mem, tokens: tokens}
}

func (h *harness) connect(ip, env string) string {
	h.seq++
	c := &testConn{id: fmt.Sprintf("conn-%d", h.seq), info: registry.ClientInfo{IP: ip, Environment: env}}
	h.registry.Add(c)
	return c.id
}

func TestRegisterBindsAndJoinsDefaultGroup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	connID := h.connect("10.0.0.1", "envA")

	result, err := h.manager.Register(ctx, connID, "alice", "secret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !result.IsNew || result.Token == "" {
		t.Fatalf("expected new identity with token, got %+v", result)
	}
	if len(result.Groups) != 1 || !result.Groups[0].IsDefault {
		t.Fatalf("expected default group, got %+v", result.Groups)
	}
	state, userID, _ := h.registry.State(connID)
	if state != registry.StateAuthenticated || userID != result.User.ID {
		t.Fatalf("expected bound connection, got %s/%d", state, userID)
	}
	if members := h.registry.GroupMembers(result.Groups[0].ID); len(members) != 1 {
		t.Fatalf("expected connection joined to default group, got %+v", members)
	}

	_, errDup := h.manager.Register(ctx, h.connect("10.0.0.2", "envA"), "alice", "other")
	if !errors.Is(errDup, apperror.ErrValidation) {
		t.Fatalf("expected validation error for taken handle, got %v", errDup)
	}
}

func TestRegisterLeavesNothingWhenJoinFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if err := h.conn.Model(&models.Group{}).Where("is_default = ?", true).Update("is_default", false).Error; err != nil {
		t.Fatalf("unset default group: %v", err)
	}
	connID := h.connect("10.0.0.1", "envA")

	if _, err := h.manager.Register(ctx, connID, "alice", "secret"); err == nil {
		t.Fatalf("expected register to fail without a default group")
	}
	if _, err := h.store.UserByName(ctx, "alice"); !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected no partial identity, got %v", err)
	}
	if state, _, _ := h.registry.State(connID); state != registry.StateAnonymous {
		t.Fatalf("expected connection back to anonymous, got %s", state)
	}

	if err := h.conn.Model(&models.Group{}).Where("is_default = ?", false).Update("is_default", true).Error; err != nil {
		t.Fatalf("restore default group: %v", err)
	}
	if _, err := h.manager.Register(ctx, connID, "alice", "secret"); err != nil {
		t.Fatalf("retry register: %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	cases := []struct{ name, user, pass string }{
		{"empty handle", "", "x"},
		{"empty secret", "bob", ""},
		{"bad charset", "bob smith", "x"},
		{"too long", "abcdefghijklmnopqrstuvwxyz0123456", "x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.manager.Register(ctx, h.connect("10.0.0.9", "env"), tc.user, tc.pass)
			if !errors.Is(err, apperror.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	_ = h.kv.Set(ctx, settings.SealNameKey("banned"), "1", 0)
	if _, err := h.manager.Register(ctx, h.connect("10.0.0.9", "env"), "banned", "x"); !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("expected suppressed handle to be rejected, got %v", err)
	}
}

func TestRegisterRateLimitedPerAddress(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for i := 0; i < 3; i++ {
		if _, err := h.manager.Register(ctx, h.connect("1.2.3.4", "env"), fmt.Sprintf("user%d", i), "pw"); err != nil {
			t.Fatalf("registration %d: %v", i, err)
		}
	}
	connID := h.connect("1.2.3.4", "env")
	if _, err := h.manager.Register(ctx, connID, "user3", "pw"); !errors.Is(err, apperror.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	if state, _, _ := h.registry.State(connID); state != registry.StateAnonymous {
		t.Fatalf("expected rejected connection to stay anonymous, got %s", state)
	}
	if _, err := h.manager.Register(ctx, h.connect("5.6.7.8", "env"), "user4", "pw"); err != nil {
		t.Fatalf("expected other address to register, got %v", err)
	}
}

func TestRegistrationDisabledOverride(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	if err := h.manager.SetRegistrationDisabled(ctx, true); err != nil {
		t.Fatalf("set disabled: %v", err)
	}
	if _, err := h.manager.Register(ctx, h.connect("10.0.0.1", "env"), "alice", "pw"); !errors.Is(err, apperror.ErrRegistrationDisabled) {
		t.Fatalf("expected registration disabled, got %v", err)
	}
	if err := h.manager.SetRegistrationDisabled(ctx, false); err != nil {
		t.Fatalf("set enabled: %v", err)
	}
	if _, err := h.manager.Register(ctx, h.connect("10.0.0.1", "env"), "alice", "pw"); err != nil {
		t.Fatalf("expected registration to succeed, got %v", err)
	}
}

func TestLoginLocal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	if _, err := h.manager.Register(ctx, h.connect("10.0.0.1", "env"), "alice", "pw"); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := h.manager.Login(ctx, h.connect("10.0.0.1", "env"), "nobody", "pw", AuthAuto); !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	badConn := h.connect("10.0.0.1", "env")
	if _, err := h.manager.Login(ctx, badConn, "alice", "wrong", AuthAuto); !errors.Is(err, apperror.ErrBadCredential) {
		t.Fatalf("expected bad credential, got %v", err)
	}
	if state, _, _ := h.registry.State(badConn); state != registry.StateAnonymous {
		t.Fatalf("expected failed login to leave connection anonymous, got %s", state)
	}

	result, err := h.manager.Login(ctx, badConn, "alice", "pw", AuthAuto)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	user, _ := h.store.UserByID(ctx, result.User.ID)
	if user.LastLoginAt == nil || user.LastLoginIP != "10.0.0.1" {
		t.Fatalf("expected last login recorded, got %+v", user)
	}
}

func TestLoginRejectsSealedIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	result, err := h.manager.Register(ctx, h.connect("10.0.0.1", "env"), "alice", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if errSeal := h.manager.Seal(ctx, result.User.ID, true); errSeal != nil {
		t.Fatalf("seal: %v", errSeal)
	}
	if h.registry.IsOnline(result.User.ID) {
		t.Fatalf("expected sealed identity to be disconnected")
	}
	if _, err := h.manager.Login(ctx, h.connect("10.0.0.1", "env"), "alice", "pw", AuthAuto); !errors.Is(err, apperror.ErrSuppressed) {
		t.Fatalf("expected suppressed, got %v", err)
	}
}

func TestLoginViaDirectoryProvisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeDirectory{users: map[string]string{"carol": "dirpass"}})

	result, err := h.manager.Login(ctx, h.connect("10.0.0.1", "env"), "carol", "dirpass", AuthAuto)
	if err != nil {
		t.Fatalf("directory login: %v", err)
	}
	if result.User.Provider != models.ProviderDirectory {
		t.Fatalf("expected directory provider, got %q", result.User.Provider)
	}
	if len(result.Groups) != 1 || !result.Groups[0].IsDefault {
		t.Fatalf("expected default group join, got %+v", result.Groups)
	}
	if _, err := h.manager.Login(ctx, h.connect("10.0.0.1", "env"), "carol", "dirpass", AuthLocal); !errors.Is(err, apperror.ErrBadCredential) {
		t.Fatalf("forced local auth must not use the directory, got %v", err)
	}
}

func TestLoginByTokenEnvironment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	result, err := h.manager.Register(ctx, h.connect("10.0.0.1", "envA"), "alice", "pw")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	again, err := h.manager.LoginByToken(ctx, h.connect("10.0.0.1", "envA"), result.Token)
	if err != nil {
		t.Fatalf("token login: %v", err)
	}
	if again.User.ID != result.User.ID {
		t.Fatalf("expected same identity")
	}
	if _, err := h.manager.LoginByToken(ctx, h.connect("10.0.0.1", "envB"), result.Token); !errors.Is(err, apperror.ErrEnvironmentMismatch) {
		t.Fatalf("expected environment mismatch, got %v", err)
	}
	if _, err := h.manager.LoginByToken(ctx, h.connect("10.0.0.1", "envA"), "garbage"); !errors.Is(err, apperror.ErrInvalidToken) {
		t.Fatalf("expected invalid token, got %v", err)
	}
}

func TestAuthenticatedConnectionCannotSwitchIdentity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	connID := h.connect("10.0.0.1", "env")
	if _, err := h.manager.Register(ctx, connID, "alice", "pw"); err != nil {
		t.Fatalf("register alice: %v", err)
	}
	if _, err := h.manager.Register(ctx, h.connect("10.0.0.2", "env"), "bob", "pw"); err != nil {
		t.Fatalf("register bob: %v", err)
	}
	if _, err := h.manager.Login(ctx, connID, "bob", "pw", AuthAuto); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Fatalf("expected rebinding to be rejected, got %v", err)
	}
	if _, userID, _ := h.registry.State(connID); userID == 0 {
		t.Fatalf("expected original binding to survive")
	}
}

func TestGuestReturnsRecentMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	author := &models.User{Username: "author"}
	if err := h.store.CreateUser(ctx, author); err != nil {
		t.Fatalf("create author: %v", err)
	}
	group, _ := h.store.DefaultGroup(ctx)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		msg := &models.Message{FromID: author.ID, Target: models.GroupTarget(group.ID), Content: fmt.Sprintf("m%02d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if _, err := h.store.CreateMessage(ctx, msg); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	connID := h.connect("10.0.0.1", "env")
	result, err := h.manager.Guest(ctx, connID)
	if err != nil {
		t.Fatalf("guest: %v", err)
	}
	if len(result.Messages) != settings.GuestMessageCount {
		t.Fatalf("expected %d messages, got %d", settings.GuestMessageCount, len(result.Messages))
	}
	for i, msg := range result.Messages {
		if want := fmt.Sprintf("m%02d", i+5); msg.Content != want {
			t.Fatalf("message %d: expected %s, got %s", i, want, msg.Content)
		}
	}
	if _, err := h.manager.Login(ctx, connID, "author", "pw", AuthAuto); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Fatalf("expected guest escalation to be rejected, got %v", err)
	}
	if _, err := h.manager.Authenticated(connID); !errors.Is(err, apperror.ErrUnauthorized) {
		t.Fatalf("expected guest to be unauthenticated, got %v", err)
	}
}
