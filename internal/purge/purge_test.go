package purge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/db"
	"github.com/router-for-me/ChatRelay/internal/kv"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/settings"
	"github.com/router-for-me/ChatRelay/internal/store"
	"gorm.io/gorm"
)

type closingConn struct {
	id     string
	events []string
	closed bool
}

func (c *closingConn) ID() string                { return c.id }
func (c *closingConn) Info() registry.ClientInfo { return registry.ClientInfo{} }
func (c *closingConn) Close()                    { c.closed = true }

func (c *closingConn) Send(event string, _ any) error {
	c.events = append(c.events, event)
	return nil
}

type fixture struct {
	conn     *gorm.DB
	identity *store.Identity
	registry *registry.Registry
	kv       *kv.MemoryStore
	purge    *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "purge-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	identity := store.NewIdentity(conn)
	reg := registry.New()
	mem := kv.NewMemoryStore(nil)
	return &fixture{
		conn:     conn,
		identity: identity,
		registry: reg,
		kv:       mem,
		purge:    NewCoordinator(identity, reg, presence.NewTracker(reg, nil), kv.NewSoft(mem, nil)),
	}
}

func (f *fixture) user(t *testing.T, name string) *models.User {
	t.Helper()
	user := &models.User{Username: name}
	if err := f.identity.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	return user
}

func TestHardDeleteLeavesNoReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	victim := f.user(t, "victim")
	bob := f.user(t, "bob")
	carol := f.user(t, "carol")

	owned, err := f.identity.CreateGroup(ctx, "owned", victim.ID)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	_, _ = f.identity.AddMember(ctx, owned.ID, bob.ID)
	other, err := f.identity.CreateGroup(ctx, "other", carol.ID)
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	_, _ = f.identity.AddMember(ctx, other.ID, victim.ID)

	for _, friend := range []*models.User{bob, carol} {
		if errAdd := f.identity.AddFriend(ctx, victim.ID, friend.ID); errAdd != nil {
			t.Fatalf("add friend: %v", errAdd)
		}
		if errAdd := f.identity.AddFriend(ctx, friend.ID, victim.ID); errAdd != nil {
			t.Fatalf("add reverse friend: %v", errAdd)
		}
	}
	for i := 0; i < 3; i++ {
		msg := &models.Message{FromID: victim.ID, Target: models.GroupTarget(other.ID), Content: fmt.Sprintf("hi %d", i)}
		if _, errMsg := f.identity.CreateMessage(ctx, msg); errMsg != nil {
			t.Fatalf("create message: %v", errMsg)
		}
	}
	if _, errMsg := f.identity.CreateMessage(ctx, &models.Message{FromID: bob.ID, Target: models.GroupTarget(owned.ID), Content: "stay"}); errMsg != nil {
		t.Fatalf("create message: %v", errMsg)
	}

	live := &closingConn{id: "c1"}
	f.registry.Add(live)
	_ = f.registry.BeginAuth("c1")
	_ = f.registry.Bind("c1", victim.ID)
	_ = f.identity.SaveSocket(ctx, &models.Socket{ID: "c1", UserID: &victim.ID})
	_ = f.kv.Set(ctx, settings.NewUserKey(victim.ID), "1", 0)

	report, err := f.purge.HardDelete(ctx, "victim")
	if err != nil {
		t.Fatalf("hard delete: %v", err)
	}
	if errReport := report.Err(); errReport != nil {
		t.Fatalf("unexpected step failures: %v", errReport)
	}
	if !report.Deleted || report.Closed != 1 || report.Messages != 3 {
		t.Fatalf("unexpected report %+v", report)
	}

	if !live.closed || len(live.events) != 1 || live.events[0] != registry.EventForcedLogout {
		t.Fatalf("expected forced logout then close, got %+v", live)
	}
	for _, groupID := range []uint64{owned.ID, other.ID} {
		group, errGroup := f.identity.GroupByID(ctx, groupID)
		if errGroup != nil {
			t.Fatalf("group %d should survive: %v", groupID, errGroup)
		}
		if group.Members.Contains(victim.ID) {
			t.Fatalf("group %d still lists the deleted identity", groupID)
		}
		if group.CreatorID != nil && *group.CreatorID == victim.ID {
			t.Fatalf("group %d still references the deleted creator", groupID)
		}
	}

	var edges, messages, sockets, users int64
	f.conn.Model(&models.Friend{}).Where("from_id = ? OR to_id = ?", victim.ID, victim.ID).Count(&edges)
	f.conn.Model(&models.Message{}).Where("from_id = ?", victim.ID).Count(&messages)
	f.conn.Model(&models.Socket{}).Where("user_id = ?", victim.ID).Count(&sockets)
	f.conn.Model(&models.User{}).Where("id = ?", victim.ID).Count(&users)
	if edges != 0 || messages != 0 || sockets != 0 || users != 0 {
		t.Fatalf("residual references: edges=%d messages=%d sockets=%d users=%d", edges, messages, sockets, users)
	}
	if _, found, _ := f.kv.Get(ctx, settings.NewUserKey(victim.ID)); found {
		t.Fatalf("expected new-identity flag cleared")
	}

	var remaining int64
	f.conn.Model(&models.Message{}).Count(&remaining)
	if remaining != 1 {
		t.Fatalf("expected other authors' messages to survive, got %d", remaining)
	}
}

func TestHardDeleteByIDAndNotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	user := f.user(t, "dave")

	if _, err := f.purge.HardDelete(ctx, "ghost"); !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	report, err := f.purge.HardDelete(ctx, strconv.FormatUint(user.ID, 10))
	if err != nil || !report.Deleted {
		t.Fatalf("expected delete by id, got report=%+v err=%v", report, err)
	}
	if _, err := f.purge.HardDelete(ctx, "dave"); !errors.Is(err, apperror.ErrNotFound) {
		t.Fatalf("expected second run to report not found, got %v", err)
	}
}
