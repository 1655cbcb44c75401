// Package testutil provides shared test setup: a throwaway SQLite-backed
// store with the full schema applied.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	bindrepo "github.com/ovaphlow/hexagram/access-core-go/internal/binding/repo"
	devrepo "github.com/ovaphlow/hexagram/access-core-go/internal/device/repo"
	usagerepo "github.com/ovaphlow/hexagram/access-core-go/internal/divination/repo"
	permrepo "github.com/ovaphlow/hexagram/access-core-go/internal/permission/repo"
	sessrepo "github.com/ovaphlow/hexagram/access-core-go/internal/session/repo"
)

// OpenDB opens a temp-file SQLite database with all tables ensured. The
// single write connection serializes concurrent test traffic the way the
// production store's transactions do.
func OpenDB(t *testing.T) *sqlx.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "core.db")
	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	ensure := []interface {
		EnsureTable(context.Context) error
	}{
		permrepo.NewPermissionRepo(db),
		devrepo.NewDeviceRepo(db),
		bindrepo.NewBindingRepo(db),
		usagerepo.NewUsageRepo(db),
		sessrepo.NewSessionRepo(db),
	}
	for _, r := range ensure {
		if err := r.EnsureTable(ctx); err != nil {
			t.Fatalf("ensure tables: %v", err)
		}
	}
	return db
}

// Logger returns a no-op sugared logger for service construction.
func Logger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
