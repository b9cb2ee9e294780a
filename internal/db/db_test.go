package db

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSQLiteFilePath(t *testing.T) {
	tests := []struct {
		dsn    string
		want   string
		wantOK bool
	}{
		{"council.db", "council.db", true},
		{"/var/lib/council/council.db?_pragma=busy_timeout(1)", "/var/lib/council/council.db", true},
		{":memory:", "", false},
		{"file::memory:?cache=shared", "", false},
		{"file:/tmp/x.db?mode=memory", "", false},
		{"file:/tmp/x.db?cache=shared", "/tmp/x.db", true},
		{"file:data/x.db", "data/x.db", true},
	}

	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			got, ok := sqliteFilePath(tt.dsn)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("sqliteFilePath(%q) = (%q, %v), want (%q, %v)", tt.dsn, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestWithSQLitePragmas(t *testing.T) {
	if got := withSQLitePragmas("a.db"); got != "a.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)" {
		t.Errorf("unexpected DSN %q", got)
	}
	if got := withSQLitePragmas("a.db?cache=shared"); got != "a.db?cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)" {
		t.Errorf("unexpected DSN %q", got)
	}
	if got := withSQLitePragmas("a.db?_pragma=journal_mode(WAL)"); got != "a.db?_pragma=journal_mode(WAL)" {
		t.Errorf("caller pragmas should be kept, got %q", got)
	}
}

func TestOpen_SQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "council.db")

	gdb, err := Open("sqlite", path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = Close(gdb) }()

	if err := gdb.Exec("CREATE TABLE probe (id INTEGER)").Error; err != nil {
		t.Fatalf("exec failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open("postgres", ""); err == nil {
		t.Error("postgres without DSN should fail")
	}
	if _, err := Open("mysql", "x"); err == nil {
		t.Error("unsupported driver should fail")
	}
}
