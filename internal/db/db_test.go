package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "greenloop.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func TestOpenCreatesSchema(t *testing.T) {
	database := openTest(t)

	for _, table := range []string{"schema_version", "jobs", "job_events", "schedule_runs"} {
		if !objectExists(t, database.SQL(), "table", table) {
			t.Errorf("table %q missing", table)
		}
	}
	for _, index := range []string{"idx_jobs_created", "idx_jobs_status", "idx_jobs_finished", "idx_schedule_runs_schedule"} {
		if !objectExists(t, database.SQL(), "index", index) {
			t.Errorf("index %q missing", index)
		}
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	database := openTest(t)

	var mode string
	if err := database.SQL().QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if !strings.EqualFold(mode, "wal") {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	var fk int
	if err := database.SQL().QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Errorf("foreign_keys = %d, want 1", fk)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "greenloop.db")
	for i := 0; i < 2; i++ {
		database, err := Open(path)
		if err != nil {
			t.Fatalf("open #%d: %v", i+1, err)
		}
		version, err := database.CurrentVersion(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if version != len(migrations) {
			t.Errorf("open #%d: version = %d, want %d", i+1, version, len(migrations))
		}
		_ = database.Close()
	}
}

func TestMigrateAppliesNewVersions(t *testing.T) {
	orig := append([]Migration(nil), migrations...)
	t.Cleanup(func() { migrations = orig })

	database := openTest(t)
	next := len(migrations) + 1
	migrations = append(migrations, Migration{
		Version:     next,
		Description: "add test table",
		SQL:         `CREATE TABLE migration_test (id INTEGER);`,
	})

	ctx := context.Background()
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	version, err := database.CurrentVersion(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if version != next {
		t.Errorf("version = %d, want %d", version, next)
	}
	if !objectExists(t, database.SQL(), "table", "migration_test") {
		t.Error("migration_test table missing")
	}
}

func TestMigrateFailureRollsBack(t *testing.T) {
	orig := append([]Migration(nil), migrations...)
	t.Cleanup(func() { migrations = orig })

	database := openTest(t)
	before, _ := database.CurrentVersion(context.Background())
	migrations = append(migrations, Migration{
		Version:     before + 1,
		Description: "broken",
		SQL:         `CREATE TABLE half_done (id INTEGER); NOT VALID SQL;`,
	})

	if err := database.Migrate(context.Background()); err == nil {
		t.Fatal("expected migration error")
	}
	after, _ := database.CurrentVersion(context.Background())
	if after != before {
		t.Errorf("version = %d after failed migration, want %d", after, before)
	}
	if objectExists(t, database.SQL(), "table", "half_done") {
		t.Error("failed migration left half_done behind")
	}
}

func TestInTx(t *testing.T) {
	database := openTest(t)
	ctx := context.Background()
	insert := func(tx *sql.Tx, id string) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, goal, workspace, status, created_at) VALUES (?, 'g', '/ws', 'pending', CURRENT_TIMESTAMP)`, id)
		return err
	}

	if err := database.InTx(ctx, func(tx *sql.Tx) error { return insert(tx, "kept") }); err != nil {
		t.Fatalf("commit: %v", err)
	}

	boom := errors.New("boom")
	err := database.InTx(ctx, func(tx *sql.Tx) error {
		if err := insert(tx, "dropped"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	var n int
	if err := database.SQL().QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("jobs = %d, want 1 (rolled back insert kept?)", n)
	}
}

func TestOpenDefaultPathUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	database, err := Open("")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = database.Close() }()

	want := filepath.Join(home, ".local", "share", "greenloop", "greenloop.db")
	if database.Path() != want {
		t.Errorf("Path() = %q, want %q", database.Path(), want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestOpenExpandsTilde(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	database, err := Open("~/data/jobs.db")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer func() { _ = database.Close() }()

	if want := filepath.Join(home, "data", "jobs.db"); database.Path() != want {
		t.Errorf("Path() = %q, want %q", database.Path(), want)
	}
}

func TestJobEventsCascade(t *testing.T) {
	database := openTest(t)
	sqlDB := database.SQL()

	if _, err := sqlDB.Exec(`INSERT INTO jobs (id, goal, workspace, status, created_at) VALUES ('j1', 'g', '/ws', 'pending', CURRENT_TIMESTAMP)`); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if _, err := sqlDB.Exec(`INSERT INTO job_events (job_id, seq, kind, time, message) VALUES ('j1', 1, 'plan', CURRENT_TIMESTAMP, 'm')`); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	if _, err := sqlDB.Exec(`DELETE FROM jobs WHERE id = 'j1'`); err != nil {
		t.Fatalf("delete job: %v", err)
	}

	var n int
	if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM job_events`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("events left after job delete: %d", n)
	}
}

func TestNilDB(t *testing.T) {
	var d *DB
	if err := d.Close(); err != nil {
		t.Errorf("Close on nil: %v", err)
	}
	if d.Path() != "" || d.SQL() != nil {
		t.Error("nil DB should report empty path and nil pool")
	}
	if err := d.Migrate(context.Background()); err == nil {
		t.Error("Migrate on nil should fail")
	}
}

func objectExists(t *testing.T, db *sql.DB, kind, name string) bool {
	t.Helper()
	var got string
	err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = ? AND name = ?`, kind, name).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return false
	}
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	return got == name
}
