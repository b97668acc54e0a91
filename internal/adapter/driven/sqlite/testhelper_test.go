package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"testing"
	"time"
)

// setupTestDB creates a named shared in-memory SQLite database with the
// schema applied. The name is derived from t.Name() so parallel tests never
// share state; writer and reader pools see the same data via cache=shared.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	// WAL mode does not apply to in-memory databases.
	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)",
		url.PathEscape(t.Name()),
	)

	writer, err := openPool(context.Background(), dsn, 1)
	if err != nil {
		t.Fatalf("open test db writer: %v", err)
	}

	reader, err := openPool(context.Background(), dsn, 4)
	if err != nil {
		_ = writer.Close()
		t.Fatalf("open test db reader: %v", err)
	}

	db := &DB{Writer: writer, Reader: reader, path: dsn}

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

// newTestStateRepo returns a StateRepo on a fresh database with a fixed clock.
func newTestStateRepo(t *testing.T) *StateRepo {
	t.Helper()

	repo := NewStateRepo(setupTestDB(t))
	repo.now = func() time.Time { return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) }
	return repo
}

// countRows is a test helper for asserting table sizes.
func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()

	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
