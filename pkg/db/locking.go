package db

import "gorm.io/gorm"

// ForUpdate returns the row-lock suffix for the connected dialect. SQLite
// has no FOR UPDATE; its single-writer model already serializes the
// read-modify-write sequences the lock exists for.
func ForUpdate(conn *gorm.DB) string {
	if conn.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
