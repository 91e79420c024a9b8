package ops

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archive is the long-term operation history, surviving purges. One row per
// terminal operation.
type Archive struct {
	db *sql.DB
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS operations (
	id          TEXT PRIMARY KEY,
	command     TEXT NOT NULL,
	tab_id      INTEGER NOT NULL DEFAULT 0,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP NOT NULL,
	milestones  TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_operations_created ON operations(created_at);
`

// OpenArchive opens (and migrates) the sqlite history at path.
func OpenArchive(path string) (*Archive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close releases the database.
func (a *Archive) Close() error { return a.db.Close() }

// Insert records a terminal operation. Re-inserting the same id overwrites,
// so a replayed terminal milestone stays idempotent.
func (a *Archive) Insert(op Operation) error {
	milestones, err := json.Marshal(op.Milestones)
	if err != nil {
		return fmt.Errorf("marshal milestones: %w", err)
	}
	_, err = a.db.Exec(`
		INSERT OR REPLACE INTO operations
			(id, command, tab_id, status, error, created_at, finished_at, milestones)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, op.Command, op.TabID, string(op.Status), op.Error,
		op.CreatedAt.UTC(), op.FinishedAt.UTC(), string(milestones))
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", op.ID, err)
	}
	return nil
}

// Get loads one archived operation.
func (a *Archive) Get(id string) (Operation, error) {
	row := a.db.QueryRow(`
		SELECT id, command, tab_id, status, error, created_at, finished_at, milestones
		FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return Operation{}, fmt.Errorf("operation %s not archived", id)
	}
	return op, err
}

// List returns the most recent archived operations, newest first.
func (a *Archive) List(limit int) ([]Operation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.Query(`
		SELECT id, command, tab_id, status, error, created_at, finished_at, milestones
		FROM operations ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// Prune deletes archived operations finished before the cutoff.
func (a *Archive) Prune(before time.Time) (int64, error) {
	res, err := a.db.Exec(`DELETE FROM operations WHERE finished_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune archive: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (Operation, error) {
	var op Operation
	var status, milestones string
	if err := row.Scan(&op.ID, &op.Command, &op.TabID, &status, &op.Error,
		&op.CreatedAt, &op.FinishedAt, &milestones); err != nil {
		return Operation{}, err
	}
	op.Status = Status(status)
	if err := json.Unmarshal([]byte(milestones), &op.Milestones); err != nil {
		return Operation{}, fmt.Errorf("decode milestones for %s: %w", op.ID, err)
	}
	return op, nil
}
