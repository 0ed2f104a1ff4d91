package db

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/router-for-me/ChatRelay/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func TestMigrateSeedsSingleDefaultGroup(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "chat-test.db")
	conn, err := Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("second migrate: %v", errMigrate)
	}

	var count int64
	if errCount := conn.Model(&models.Group{}).Where("is_default = ?", true).Count(&count).Error; errCount != nil {
		t.Fatalf("count: %v", errCount)
	}
	if count != 1 {
		t.Fatalf("expected exactly one default group, got %d", count)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "chat-test.db")
	conn, err := Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	if errCreate := conn.Create(&models.Friend{FromID: 1, ToID: 2}).Error; errCreate != nil {
		t.Fatalf("create friend: %v", errCreate)
	}
	errDup := conn.Create(&models.Friend{FromID: 1, ToID: 2}).Error
	if !IsUniqueViolation(errDup) {
		t.Fatalf("expected unique violation, got %v", errDup)
	}
	if errReverse := conn.Create(&models.Friend{FromID: 2, ToID: 1}).Error; errReverse != nil {
		t.Fatalf("reverse edge must be allowed: %v", errReverse)
	}
}

func TestJSONArrayContainsOnMembers(t *testing.T) {
	dsn := "file:" + filepath.Join(t.TempDir(), "chat-test.db")
	conn, err := Open(dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	group := models.Group{Name: "g1", Members: models.MemberIDs{3, 7}}
	if errCreate := conn.Create(&group).Error; errCreate != nil {
		t.Fatalf("create group: %v", errCreate)
	}

	var rows []models.Group
	if errFind := conn.Where(JSONArrayContainsExpr(conn, "members"), JSONArrayContainsValue(conn, 7)).
		Find(&rows).Error; errFind != nil {
		t.Fatalf("find: %v", errFind)
	}
	if len(rows) != 1 || rows[0].ID != group.ID {
		t.Fatalf("expected group %d, got %+v", group.ID, rows)
	}
	if !rows[0].Members.Contains(3) {
		t.Fatalf("expected members to round-trip, got %v", rows[0].Members)
	}
}

func TestMissingRowIsNotLogged(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevLevel := log.StandardLogger().Out, log.GetLevel()
	log.SetOutput(&buf)
	log.SetLevel(log.DebugLevel)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetLevel(prevLevel)
	})

	conn, err := Open("file:" + filepath.Join(t.TempDir(), "chat-test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	buf.Reset()

	var user models.User
	errFind := conn.Where("username = ?", "nobody").Take(&user).Error
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", errFind)
	}
	if strings.Contains(buf.String(), "record not found") {
		t.Fatalf("expected silent lookup miss, got %q", buf.String())
	}

	if errBad := conn.Exec("SELECT * FROM missing_table").Error; errBad == nil {
		t.Fatalf("expected query error")
	}
	if !strings.Contains(buf.String(), "component=gorm") {
		t.Fatalf("expected failed query routed through logrus, got %q", buf.String())
	}
}
