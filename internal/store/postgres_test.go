package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMigrationFilesSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"002_b.sql", "001_a.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "003_dir.sql"), 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := migrationFiles(dir)
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(got) != 2 || filepath.Base(got[0]) != "001_a.sql" || filepath.Base(got[1]) != "002_b.sql" {
		t.Fatalf("unexpected files: %v", got)
	}
}

func TestMigrationsDirShipsInitSchema(t *testing.T) {
	got, err := migrationFiles("../../db/migrations")
	if err != nil {
		t.Fatalf("migrationFiles: %v", err)
	}
	if len(got) == 0 || filepath.Base(got[0]) != "001_init.sql" {
		t.Fatalf("expected 001_init.sql first, got %v", got)
	}
}

func TestMapErr(t *testing.T) {
	if !errors.Is(mapErr(sql.ErrNoRows), ErrNotFound) {
		t.Fatalf("ErrNoRows should map to ErrNotFound")
	}
	dup := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "students_student_no_key"})
	if !errors.Is(mapErr(dup), ErrConflict) {
		t.Fatalf("unique violation should map to ErrConflict")
	}
	other := errors.New("boom")
	if mapErr(other) != other {
		t.Fatalf("other errors pass through")
	}
}

func TestValidUUID(t *testing.T) {
	if validUUID("nope") {
		t.Fatalf("nope is not a uuid")
	}
	if !validUUID("3f2504e0-4f89-11d3-9a0c-0305e82c3301") {
		t.Fatalf("expected valid uuid")
	}
}

func TestRetrySerializableRetriesOnce(t *testing.T) {
	calls := 0
	err := retrySerializable(context.Background(), func() error {
		calls++
		if calls == 1 {
			return fmt.Errorf("commit: %w", &pgconn.PgError{Code: "40001"})
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("want success on second attempt, got err=%v calls=%d", err, calls)
	}
}

func TestRetrySerializableGivesUpWithConflict(t *testing.T) {
	calls := 0
	err := retrySerializable(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict, got %v", err)
	}
	if calls != serializableAttempts {
		t.Fatalf("calls: got %d want %d", calls, serializableAttempts)
	}
}

func TestRetrySerializablePassesOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := retrySerializable(context.Background(), func() error { calls++; return boom })
	if err != boom || calls != 1 {
		t.Fatalf("other errors are not retried: err=%v calls=%d", err, calls)
	}
	if isSerializationFailure(&pgconn.PgError{Code: "23505"}) {
		t.Fatalf("unique violation is not a serialization failure")
	}
	if !isSerializationFailure(fmt.Errorf("x: %w", &pgconn.PgError{Code: "40P01"})) {
		t.Fatalf("deadlock should be retried")
	}
}
