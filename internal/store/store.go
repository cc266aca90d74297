// Package store is the local submission journal: a small sqlite database in
// the state dir recording every task this machine has submitted or watched,
// so `recent` works offline and `watch` can resume by id.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/solvewatch/solvewatch/internal/api"
)

type Store struct {
	db *sql.DB
}

var ErrNotFound = errors.New("not found")

// timeFormat is fixed-width so lexicographic order in ORDER BY matches
// chronological order; RFC3339Nano trims trailing zeros and does not.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Entry is one journal row. Timestamps are RFC3339 strings, like the wire.
type Entry struct {
	TaskID      int64  `json:"task_id"`
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submitted_at"`
	LastSeenAt  string `json:"last_seen_at"`
}

// Init runs migrations using PRAGMA user_version.
func (s *Store) Init() error {
	var ver int
	if err := s.db.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return err
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS tasks (
  task_id INTEGER PRIMARY KEY,
  uuid TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT '',
  submitted_at TEXT NOT NULL,
  last_seen_at TEXT NOT NULL
);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// Record upserts a task's latest known state. Last write wins.
func (s *Store) Record(t *api.Task) error {
	now := time.Now().UTC().Format(timeFormat)
	_, err := s.db.Exec(`
INSERT INTO tasks (task_id, uuid, name, status, submitted_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id) DO UPDATE SET
  uuid = excluded.uuid,
  name = excluded.name,
  status = excluded.status,
  last_seen_at = excluded.last_seen_at
`, t.ID, t.UUID, t.Name, string(t.Status), now, now)
	return err
}

// UpdateStatus records a status change observed on the live channel.
func (s *Store) UpdateStatus(taskID int64, status api.TaskStatus) error {
	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, last_seen_at = ? WHERE task_id = ?`,
		string(status), now, taskID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one journal row.
func (s *Store) Get(taskID int64) (*Entry, error) {
	row := s.db.QueryRow(`
SELECT task_id, uuid, name, status, submitted_at, last_seen_at
FROM tasks WHERE task_id = ?`, taskID)
	var e Entry
	if err := row.Scan(&e.TaskID, &e.UUID, &e.Name, &e.Status, &e.SubmittedAt, &e.LastSeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// Recent lists journal rows, most recently seen first. limit <= 0 means all.
func (s *Store) Recent(limit int) ([]Entry, error) {
	q := `
SELECT task_id, uuid, name, status, submitted_at, last_seen_at
FROM tasks ORDER BY last_seen_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(q+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(q)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TaskID, &e.UUID, &e.Name, &e.Status, &e.SubmittedAt, &e.LastSeenAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
