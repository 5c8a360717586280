package syncview

import (
	"testing"

	"github.com/zulandar/chatline/internal/db"
	"github.com/zulandar/chatline/internal/logstore"
)

func openSyncTestStore(t *testing.T) *logstore.GormStore {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := logstore.NewGormStore(logstore.GormStoreOpts{DB: gdb})
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
