package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMigrateIsIdempotent(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "m.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer db.Close()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db, SQLite); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+migrationTable).Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Fatalf("applied migrations = %d, want 1", n)
	}
	for _, table := range []string{"users", "options", "answers", "revalidation_tasks", "revalidation_audit", "settings", "enrollments"} {
		if _, err := db.ExecContext(ctx, "SELECT COUNT(*) FROM "+table); err != nil {
			t.Errorf("table %s: %v", table, err)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	got := SplitStatements("-- comment\nCREATE TABLE a (x INT);\n\nCREATE TABLE b (\n  y INT\n);\n")
	if len(got) != 2 {
		t.Fatalf("statements = %q, want 2", got)
	}
	if got[0] != "CREATE TABLE a (x INT)" {
		t.Fatalf("first = %q", got[0])
	}
}

func TestParseMySQLDSN(t *testing.T) {
	opts, err := ParseMySQLDSN("app:secret@tcp(db.local:3307)/booking?parseTime=true")
	if err != nil {
		t.Fatalf("ParseMySQLDSN: %v", err)
	}
	want := Options{Driver: MySQL, User: "app", Pass: "secret", Host: "db.local", Port: "3307", Name: "booking"}
	if opts != want {
		t.Fatalf("opts = %+v, want %+v", opts, want)
	}
	if _, err := ParseMySQLDSN("not a dsn"); err == nil {
		t.Fatalf("bad dsn accepted")
	}
}

func TestLockClause(t *testing.T) {
	if MySQL.LockClause() != " FOR UPDATE" || SQLite.LockClause() != "" {
		t.Fatalf("unexpected lock clauses")
	}
}
