package db

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQueryThreshold = 500 * time.Millisecond

// logrusWriter forwards gorm log lines to logrus at warn level.
type logrusWriter struct{}

func (logrusWriter) Printf(format string, args ...any) {
	log.WithField("component", "gorm").Warnf(format, args...)
}

// newLogger reports slow queries and failures; a missing row is a normal lookup result.
func newLogger() logger.Interface {
	return logger.New(logrusWriter{}, logger.Config{
		SlowThreshold:             slowQueryThreshold,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// Open connects to PostgreSQL for postgres DSNs and to SQLite otherwise.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("db: empty dsn")
	}
	cfg := &gorm.Config{Logger: newLogger()}

	if isPostgresDSN(trimmed) {
		conn, errOpen := gorm.Open(postgres.Open(trimmed), cfg)
		if errOpen != nil {
			return nil, fmt.Errorf("db: open postgres: %w", errOpen)
		}
		return conn, nil
	}

	conn, errOpen := gorm.Open(sqlite.Open(withSQLitePragmas(trimmed)), cfg)
	if errOpen != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		return nil, fmt.Errorf("db: sqlite handle: %w", errDB)
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY under concurrent flows.
	sqlDB.SetMaxOpenConns(1)
	return conn, nil
}

func isPostgresDSN(dsn string) bool {
	lowered := strings.ToLower(dsn)
	return strings.HasPrefix(lowered, "postgres://") ||
		strings.HasPrefix(lowered, "postgresql://") ||
		strings.Contains(lowered, "host=")
}

func withSQLitePragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// IsUniqueViolation reports whether err is a unique constraint failure on either dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
