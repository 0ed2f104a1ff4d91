package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/router-for-me/ChatRelay/internal/config"
	"github.com/router-for-me/ChatRelay/internal/db"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/security"
	"github.com/router-for-me/ChatRelay/internal/store"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := db.Open("file:" + filepath.Join(t.TempDir(), "app-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return conn
}

func TestHasAdminInitialized(t *testing.T) {
	conn := openTestDB(t)

	initialized, err := HasAdminInitialized(conn)
	if err != nil {
		t.Fatalf("HasAdminInitialized: %v", err)
	}
	if initialized {
		t.Fatalf("expected initialized=false before migrate")
	}

	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errCreate := conn.Create(&models.User{Username: "plain", Provider: models.ProviderLocal}).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	initialized, err = HasAdminInitialized(conn)
	if err != nil {
		t.Fatalf("HasAdminInitialized after migrate: %v", err)
	}
	if initialized {
		t.Fatalf("expected initialized=false without administrators")
	}

	if errCreate := conn.Create(&models.User{Username: "root", Provider: models.ProviderLocal, IsAdmin: true}).Error; errCreate != nil {
		t.Fatalf("create admin: %v", errCreate)
	}
	initialized, err = HasAdminInitialized(conn)
	if err != nil {
		t.Fatalf("HasAdminInitialized after seed: %v", err)
	}
	if !initialized {
		t.Fatalf("expected initialized=true after admin created")
	}
}

func TestEnsureAdmin_CreatesOnce(t *testing.T) {
	conn := openTestDB(t)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	identity := store.NewIdentity(conn)
	ctx := context.Background()
	cfg := config.AdminConfig{Username: "root", Password: "secret-pass"}

	created, err := EnsureAdmin(ctx, conn, identity, cfg)
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if !created {
		t.Fatalf("expected administrator to be created")
	}
	admin, err := identity.UserByName(ctx, "root")
	if err != nil {
		t.Fatalf("find admin: %v", err)
	}
	if !admin.IsAdmin {
		t.Fatalf("expected admin flag")
	}
	if !security.ComparePassword(admin.Password, admin.Salt, "secret-pass") {
		t.Fatalf("expected configured password to verify")
	}
	group, err := identity.DefaultGroup(ctx)
	if err != nil {
		t.Fatalf("default group: %v", err)
	}
	if !group.Members.Contains(admin.ID) {
		t.Fatalf("expected admin in default group")
	}

	created, err = EnsureAdmin(ctx, conn, identity, config.AdminConfig{Username: "other", Password: "secret-pass"})
	if err != nil {
		t.Fatalf("second EnsureAdmin: %v", err)
	}
	if created {
		t.Fatalf("expected no second administrator")
	}
}

func TestEnsureAdmin_PromotesExisting(t *testing.T) {
	conn := openTestDB(t)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	identity := store.NewIdentity(conn)
	ctx := context.Background()
	user := &models.User{Username: "alice", Provider: models.ProviderLocal}
	if errCreate := identity.CreateUser(ctx, user); errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}

	created, err := EnsureAdmin(ctx, conn, identity, config.AdminConfig{Username: "alice"})
	if err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	if !created {
		t.Fatalf("expected promotion")
	}
	promoted, err := identity.UserByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !promoted.IsAdmin {
		t.Fatalf("expected existing identity promoted")
	}
}

func TestEnsureAdmin_Rejects(t *testing.T) {
	conn := openTestDB(t)
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	identity := store.NewIdentity(conn)
	ctx := context.Background()

	if created, err := EnsureAdmin(ctx, conn, identity, config.AdminConfig{}); err != nil || created {
		t.Fatalf("expected no-op without username, got created=%v err=%v", created, err)
	}
	if _, err := EnsureAdmin(ctx, conn, identity, config.AdminConfig{Username: "root", Password: "123"}); err == nil {
		t.Fatalf("expected short password to be rejected")
	}
	if _, err := EnsureAdmin(ctx, conn, identity, config.AdminConfig{Username: "bad name", Password: "secret-pass"}); err == nil {
		t.Fatalf("expected invalid handle to be rejected")
	}
}
