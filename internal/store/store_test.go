package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/solvewatch/solvewatch/internal/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := New(db)
	if err := s.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	return s
}

func TestInit_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Init(); err != nil {
		t.Fatalf("second init: %v", err)
	}
}

func TestRecordAndGet(t *testing.T) {
	s := newTestStore(t)
	task := &api.Task{ID: 7, UUID: "11111111-2222-3333-4444-555555555555", Name: "big solve", Status: api.StatusQueued}
	if err := s.Record(task); err != nil {
		t.Fatalf("record: %v", err)
	}

	e, err := s.Get(7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Name != "big solve" || e.Status != "queued" || e.UUID != task.UUID {
		t.Fatalf("entry = %+v", e)
	}
	if e.SubmittedAt == "" || e.LastSeenAt == "" {
		t.Fatalf("timestamps not recorded: %+v", e)
	}
}

func TestRecord_UpsertsOnConflict(t *testing.T) {
	s := newTestStore(t)
	task := &api.Task{ID: 7, Name: "solve", Status: api.StatusQueued}
	if err := s.Record(task); err != nil {
		t.Fatalf("record: %v", err)
	}
	task.Status = api.StatusRunning
	if err := s.Record(task); err != nil {
		t.Fatalf("re-record: %v", err)
	}

	e, err := s.Get(7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != "running" {
		t.Fatalf("status = %q after upsert", e.Status)
	}

	all, err := s.Recent(0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("upsert created %d rows", len(all))
	}
}

func TestUpdateStatus(t *testing.T) {
	s := newTestStore(t)
	if err := s.Record(&api.Task{ID: 3, Status: api.StatusRunning}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.UpdateStatus(3, api.StatusCompleted); err != nil {
		t.Fatalf("update: %v", err)
	}
	e, err := s.Get(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.Status != "completed" {
		t.Fatalf("status = %q", e.Status)
	}

	if err := s.UpdateStatus(999, api.StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update missing row: err = %v", err)
	}
}

func TestGet_Missing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecent_OrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	for id := int64(1); id <= 3; id++ {
		if err := s.Record(&api.Task{ID: id, Status: api.StatusPending}); err != nil {
			t.Fatalf("record %d: %v", id, err)
		}
	}
	// Touch task 1 so it becomes the most recently seen.
	if err := s.UpdateStatus(1, api.StatusRunning); err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := s.Recent(2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].TaskID != 1 {
		t.Fatalf("most recent = %d, want 1", entries[0].TaskID)
	}
}
