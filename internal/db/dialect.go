package db

import (
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Dialect names as reported by the gorm dialector.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DialectName returns the dialector name of conn, or "" when it has none.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

func isSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// CaseInsensitiveLikeExpr is the handle search condition on column. SQLite has no
// ILIKE, so the column is lowered and the pattern must be lowered to match.
func CaseInsensitiveLikeExpr(conn *gorm.DB, column string) string {
	if isSQLite(conn) {
		return fmt.Sprintf("LOWER(%s) LIKE ?", column)
	}
	return fmt.Sprintf("%s ILIKE ?", column)
}

// NormalizeLikePattern pairs with CaseInsensitiveLikeExpr.
func NormalizeLikePattern(conn *gorm.DB, pattern string) string {
	if isSQLite(conn) {
		return strings.ToLower(pattern)
	}
	return pattern
}

// JSONArrayContainsExpr matches rows whose JSON id array in column holds the bound value.
func JSONArrayContainsExpr(conn *gorm.DB, column string) string {
	if isSQLite(conn) {
		return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE value = ?)", column)
	}
	return fmt.Sprintf("%s @> ?", column)
}

// JSONArrayContainsValue is the bind value for JSONArrayContainsExpr.
func JSONArrayContainsValue(conn *gorm.DB, id uint64) any {
	if isSQLite(conn) {
		return id
	}
	return datatypes.JSON(fmt.Appendf(nil, "[%d]", id))
}

// WhereMember scopes a group query to groups whose member set contains userID.
func WhereMember(conn *gorm.DB, userID uint64) func(*gorm.DB) *gorm.DB {
	return func(tx *gorm.DB) *gorm.DB {
		return tx.Where(JSONArrayContainsExpr(conn, "members"), JSONArrayContainsValue(conn, userID))
	}
}
