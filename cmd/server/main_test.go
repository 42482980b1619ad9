package main

import (
	"os"
	"path/filepath"
	"testing"
)

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCommand()
	root.SetArgs(args)
	return root.Execute()
}

func TestMigrateCommand_CreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	testChdir(t, dir)

	dbPath := filepath.Join(dir, "data", "civic.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", dbPath)
	t.Setenv("LOG_LEVEL", "error")

	if err := runCommand(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("database file not created: %v", err)
	}
}

func TestMigrateCommand_RejectsUnknownDriver(t *testing.T) {
	testChdir(t, t.TempDir())
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("LOG_LEVEL", "error")

	if err := runCommand(t, "migrate"); err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}

func TestSweepCommand_EmptyQueue(t *testing.T) {
	dir := t.TempDir()
	testChdir(t, dir)

	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_PATH", filepath.Join(dir, "civic.db"))
	t.Setenv("STORAGE_BACKEND", "local")
	t.Setenv("UPLOAD_DIR", filepath.Join(dir, "uploads"))
	t.Setenv("LOG_LEVEL", "error")

	if err := runCommand(t, "sweep"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
}

func TestRootCommand_MissingEnvFile(t *testing.T) {
	testChdir(t, t.TempDir())

	if err := runCommand(t, "migrate", "--env-file", "missing.env"); err == nil {
		t.Fatal("expected an error for a missing --env-file")
	}
}

// testChdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, which needs Go 1.24).
func testChdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
