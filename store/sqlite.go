package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/yirzhou/beacon"
)

// SQLiteStore keeps one row per job, rewritten in a single transaction on
// every flush.
type SQLiteStore struct {
	db *sql.DB
}

var _ beacon.JobStore = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS jobs (
	position INTEGER NOT NULL,
	id       TEXT PRIMARY KEY,
	status   TEXT NOT NULL,
	body     BLOB NOT NULL
);`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create jobs table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) ReadJobs(ctx context.Context) ([]*beacon.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM jobs ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*beacon.Job
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		job := &beacon.Job{}
		if err := json.Unmarshal(body, job); err != nil {
			return nil, fmt.Errorf("decode job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) WriteJobs(ctx context.Context, jobs []*beacon.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO jobs(position, id, status, body) VALUES(?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, job := range jobs {
		body, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, i, job.ID, job.LifetimeData.Status.String(), body); err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}
	}
	return tx.Commit()
}
