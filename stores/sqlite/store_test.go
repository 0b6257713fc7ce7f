package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"drawings-core/core"
	"drawings-core/stores/storetest"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func setupTestDB(t *testing.T) (*Store, string) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dbPath
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		store, err := NewStore(filepath.Join(t.TempDir(), "contract.db"), nil)
		if err != nil {
			t.Fatalf("NewStore() failed: %v", err)
		}
		return store
	})
}

func TestNewStore(t *testing.T) {
	_, dbPath := setupTestDB(t)

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("NewStore() did not create database file")
	}
}

func TestNewStore_SchemaAndPragmas(t *testing.T) {
	store, _ := setupTestDB(t)

	var tableName string
	err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='drawings'").Scan(&tableName)
	if err != nil {
		t.Fatalf("drawings table not created: %v", err)
	}

	var indexName string
	err = store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_drawings_source'").Scan(&indexName)
	if err != nil {
		t.Fatalf("source index not created: %v", err)
	}

	var mode string
	if err := store.db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("PRAGMA journal_mode failed: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

func TestNewStore_Reopen(t *testing.T) {
	store, dbPath := setupTestDB(t)
	storetest.Seed(t, store)
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	reopened, err := NewStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewStore() on existing database failed: %v", err)
	}
	defer reopened.Close()

	if ids := storetest.IDs(t, reopened, "doc-A"); len(ids) != 2 {
		t.Errorf("doc-A after reopen = %v", ids)
	}
}

func TestNewStore_CorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "garbage.db")
	garbage := bytes.Repeat([]byte("this is definitely not sqlite "), 200)
	if err := os.WriteFile(dbPath, garbage, 0644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	_, err := NewStore(dbPath, nil)
	if !errors.Is(err, core.ErrCorrupt) {
		t.Fatalf("NewStore() = %v, want ErrCorrupt", err)
	}

	after, _ := os.ReadFile(dbPath)
	if !bytes.Equal(after, garbage) {
		t.Error("corrupt database file was modified")
	}
}

func TestNewStore_Unavailable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "missing", "dir", "test.db")
	_, err := NewStore(dbPath, nil)
	if !errors.Is(err, core.ErrUnavailable) {
		t.Errorf("NewStore() = %v, want ErrUnavailable", err)
	}
}

func TestDeleteBySource_LogsSource(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store, _ := setupTestDB(t)
	store.log = logger
	storetest.Seed(t, store)

	if _, err := store.DeleteBySource(context.Background(), "doc-A"); err != nil {
		t.Fatalf("DeleteBySource() failed: %v", err)
	}
	storetest.AssertSourceLogged(t, hook, logrus.InfoLevel, "doc-A")
}

func TestDeleteBySource_InjectedFault(t *testing.T) {
	logger, hook := test.NewNullLogger()
	store, _ := setupTestDB(t)
	store.log = logger
	ctx := context.Background()

	storetest.Seed(t, store)
	if err := store.Save(ctx, &core.Drawing{ID: "poison", SourceID: "doc-A"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	// The trigger aborts the statement once it reaches the poisoned row,
	// after earlier rows of the same source were already visited.
	_, err := store.db.Exec(`CREATE TRIGGER fail_poison BEFORE DELETE ON drawings
		WHEN old.id = 'poison'
		BEGIN SELECT RAISE(ABORT, 'injected fault'); END;`)
	if err != nil {
		t.Fatalf("failed to create trigger: %v", err)
	}

	_, err = store.DeleteBySource(ctx, "doc-A")
	if !errors.Is(err, core.ErrUnavailable) {
		t.Fatalf("DeleteBySource() = %v, want ErrUnavailable", err)
	}
	storetest.AssertSourceLogged(t, hook, logrus.ErrorLevel, "doc-A")

	ids := storetest.IDs(t, store, "doc-A")
	if len(ids) != 3 {
		t.Errorf("doc-A after failed delete = %v, want all three records", ids)
	}
	if ids := storetest.IDs(t, store, "doc-B"); len(ids) != 1 {
		t.Errorf("doc-B after failed delete = %v", ids)
	}
}

func TestDeleteBySource_Locked(t *testing.T) {
	store, dbPath := setupTestDB(t)
	storetest.Seed(t, store)

	if _, err := store.db.Exec("PRAGMA busy_timeout = 50"); err != nil {
		t.Fatalf("failed to shorten busy timeout: %v", err)
	}

	other, err := sql.Open(driverName, dbPath)
	if err != nil {
		t.Fatalf("sql.Open() failed: %v", err)
	}
	defer other.Close()
	other.SetMaxOpenConns(1)

	if _, err := other.Exec("BEGIN EXCLUSIVE"); err != nil {
		t.Fatalf("BEGIN EXCLUSIVE failed: %v", err)
	}
	defer other.Exec("ROLLBACK")

	_, err = store.DeleteBySource(context.Background(), "doc-A")
	if !errors.Is(err, core.ErrUnavailable) {
		t.Fatalf("DeleteBySource() = %v, want ErrUnavailable", err)
	}

	if _, err := other.Exec("ROLLBACK"); err != nil {
		t.Fatalf("ROLLBACK failed: %v", err)
	}
	if ids := storetest.IDs(t, store, "doc-A"); len(ids) != 2 {
		t.Errorf("doc-A after lock contention = %v", ids)
	}
}

func TestClassify(t *testing.T) {
	testCases := []struct {
		msg  string
		want error
	}{
		{"file is not a database", core.ErrCorrupt},
		{"database disk image is malformed", core.ErrCorrupt},
		{"database is locked", core.ErrUnavailable},
		{"disk I/O error", core.ErrUnavailable},
		{"unable to open database file", core.ErrUnavailable},
	}

	for _, tc := range testCases {
		t.Run(tc.msg, func(t *testing.T) {
			if got := core.KindOf(classify("op", errors.New(tc.msg))); got != tc.want {
				t.Errorf("classify(%q) kind = %v, want %v", tc.msg, got, tc.want)
			}
		})
	}
}
