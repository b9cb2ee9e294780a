// Package testutil provides testing utilities for council tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/db"
)

// SetupTestDB opens a fresh SQLite database in a temporary directory.
// The connection is closed when the test completes.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "council.db")
	gdb, err := db.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

// FastJobsConfig returns engine settings suited to tests: a short dispatch
// interval, millisecond backoff without jitter and the default type limits.
func FastJobsConfig() config.JobsConfig {
	cfg := config.Default().Jobs
	cfg.DispatchInterval = 10 * time.Millisecond
	cfg.CleanupInterval = 0
	cfg.LeaseTTL = time.Second
	cfg.Backoff = config.BackoffConfig{Base: time.Millisecond, Max: 10 * time.Millisecond}
	return cfg
}

// WriteFile writes content under dir, creating parent directories.
// Returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	full := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", name, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %s: %v", name, err)
	}
	return full
}
