package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/clipworks/mediaq/internal/jobs"
)

// SQLiteStore persists job documents in a SQLite table scoped to one
// queue. Multiple queues can share the same database file; each store
// only sees the rows for its own queue.
type SQLiteStore struct {
	db        *sql.DB
	queueName string
}

func NewSQLiteStore(dbPath, queueName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db, queueName: queueName}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to initialize schema: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_records (
		id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		status TEXT NOT NULL,
		document BLOB NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_job_records_queue_status ON job_records(queue_name, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, job *jobs.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	doc, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}

	query := `
		INSERT INTO job_records (id, queue_name, status, document, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query, job.ID, s.queueName, string(job.Status), doc, time.Now())
	return err
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]*jobs.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM job_records WHERE queue_name = ?`, s.queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to load job records: %w", err)
	}
	defer rows.Close()

	loaded := make([]*jobs.Job, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var job jobs.Job
		if err := json.Unmarshal(doc, &job); err != nil || job.ID == "" {
			// skip corrupt documents, same contract as the fs store
			continue
		}
		loaded = append(loaded, &job)
	}
	return loaded, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_records WHERE id = ? AND queue_name = ?`, id, s.queueName)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
