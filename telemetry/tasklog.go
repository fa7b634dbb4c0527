package telemetry

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/pthm-cable/sphtasks/scheduler"
)

//go:embed tasklog.sql
var taskLogSchema string

// TaskLog records the executed tasks of every step in SQLite so that task
// timelines can be plotted after the run. One log serves every rank.
type TaskLog struct {
	db    *sql.DB
	runID string
}

// OpenTaskLog opens or creates the database at path and registers a new run.
func OpenTaskLog(path string, ranks int) (*TaskLog, error) {
	db, err := openTaskDB(path)
	if err != nil {
		return nil, err
	}
	id := uuid.Must(uuid.NewV7()).String()
	if _, err := db.Exec(`INSERT INTO runs (id, started_at, ranks) VALUES (?, ?, ?)`,
		id, time.Now().UTC().Format(time.RFC3339), ranks); err != nil {
		db.Close()
		return nil, fmt.Errorf("registering run: %w", err)
	}
	return &TaskLog{db: db, runID: id}, nil
}

func openTaskDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening task log: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to task log: %w", err)
	}
	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(taskLogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying task log schema: %w", err)
	}
	return db, nil
}

// RunID identifies this run in the database.
func (l *TaskLog) RunID() string { return l.runID }

// Record stores the tasks one rank executed in a step. Skipped tasks are
// left out.
func (l *TaskLog) Record(rank, step int, records []scheduler.TaskRecord) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("starting task log transaction: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO tasks
		(run_id, rank, step, idx, type, subtype, ci, cj, runner, tic, toc, weight)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing task insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if r.Skip || r.Runner < 0 {
			continue
		}
		if _, err := stmt.Exec(l.runID, rank, step, r.Index, r.Type, r.Subtype,
			r.CellI, r.CellJ, r.Runner, r.Tic, r.Toc, r.Weight); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting task %d: %w", r.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing task log: %w", err)
	}
	return nil
}

// Close closes the database.
func (l *TaskLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// TaskRow is one executed task read back from a log.
type TaskRow struct {
	Rank    int    `csv:"rank"`
	Step    int    `csv:"step"`
	Runner  int    `csv:"runner"`
	Type    string `csv:"type"`
	Subtype string `csv:"subtype"`
	Tic     int64  `csv:"tic"`
	Toc     int64  `csv:"toc"`
}

// TaskLogReader reads runs back from a task log.
type TaskLogReader struct {
	db *sql.DB
}

// OpenTaskLogReader opens an existing task log.
func OpenTaskLogReader(path string) (*TaskLogReader, error) {
	db, err := openTaskDB(path)
	if err != nil {
		return nil, err
	}
	return &TaskLogReader{db: db}, nil
}

// Close closes the database.
func (r *TaskLogReader) Close() error { return r.db.Close() }

// LatestRun returns the id of the most recently started run.
func (r *TaskLogReader) LatestRun(ctx context.Context) (string, error) {
	var id string
	// Version 7 ids sort by creation time.
	err := r.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY id DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("finding latest run: %w", err)
	}
	return id, nil
}

// Tasks returns the tasks of a run, or of one step when step is
// non-negative, ordered by rank, runner and start tick.
func (r *TaskLogReader) Tasks(ctx context.Context, runID string, step int) ([]TaskRow, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT rank, step, runner, type, subtype, tic, toc
		FROM tasks WHERE run_id = ? AND (? < 0 OR step = ?)
		ORDER BY rank, runner, step, tic`, runID, step, step)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRow
	for rows.Next() {
		var t TaskRow
		if err := rows.Scan(&t.Rank, &t.Step, &t.Runner, &t.Type, &t.Subtype, &t.Tic, &t.Toc); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}
	return out, nil
}
