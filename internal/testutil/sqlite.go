// Package testutil provides shared helpers for package tests.
package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/iliyamo/option-booking/internal/database"
	"github.com/iliyamo/option-booking/internal/model"
	"github.com/iliyamo/option-booking/internal/repository"
)

// OpenDB opens a migrated SQLite database in a temp dir.
func OpenDB(t testing.TB) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "booking.db")
	db, err := database.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("close sqlite: %v", err)
		}
	})
	if err := database.Migrate(context.Background(), db, database.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreateOption inserts opt and returns it with its ID.
func CreateOption(t testing.TB, db *sql.DB, opt model.Option) model.Option {
	t.Helper()
	if opt.Name == "" {
		opt.Name = "option"
	}
	if err := repository.NewOptionRepo(db).Create(context.Background(), &opt); err != nil {
		t.Fatalf("create option: %v", err)
	}
	return opt
}

// CreateUser registers a user with a throwaway password and returns its ID.
func CreateUser(t testing.TB, db *sql.DB, email, role string) uint64 {
	t.Helper()
	id, err := repository.NewUserRepo(db).Create(context.Background(), email, "password123", role, 4)
	if err != nil {
		t.Fatalf("create user %s: %v", email, err)
	}
	return id
}

// RecordingSink collects published events.
type RecordingSink struct {
	mu     sync.Mutex
	Events []model.AnswerEvent
	Err    error
}

func (s *RecordingSink) Publish(_ context.Context, ev model.AnswerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return s.Err
}

// Types returns the recorded event types in order.
func (s *RecordingSink) Types() []model.AnswerEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AnswerEventType, 0, len(s.Events))
	for _, ev := range s.Events {
		out = append(out, ev.Type)
	}
	return out
}
