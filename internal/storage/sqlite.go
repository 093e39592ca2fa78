package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS operations (
	id            TEXT PRIMARY KEY,
	kind          TEXT NOT NULL,
	description   TEXT NOT NULL,
	state         TEXT NOT NULL,
	progress      REAL NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	device_serial TEXT NOT NULL DEFAULT '',
	device_name   TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	started_at    INTEGER,
	finished_at   INTEGER
);
CREATE INDEX IF NOT EXISTS operations_created_at_idx ON operations (created_at DESC);
`

// SQLiteStore keeps the journal in a local file for single-host setups.
// Timestamps are stored as unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite journal: %w", err)
	}
	// One writer; the journal is written from a single goroutine anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure sqlite (%s): %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveOperation(ctx context.Context, rec OperationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, description, state, progress, error_kind, error_message,
		                        device_serial, device_name, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			device_serial = excluded.device_serial,
			device_name = excluded.device_name,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, rec.ID.String(), rec.Kind, rec.Description, rec.State, rec.Progress, rec.ErrorKind, rec.ErrorMessage,
		rec.DeviceSerial, rec.DeviceName, rec.CreatedAt.UnixNano(), nanos(rec.StartedAt), nanos(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save operation %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetOperation(ctx context.Context, id uuid.UUID) (*OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = ?`, id.String())

	rec, err := scanSQLiteRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListOperations(ctx context.Context, filter ListFilter) ([]OperationRecord, error) {
	where, args := filterClause(filter, func(int) string { return "?" })
	args = append(args, filter.limit())
	query := fmt.Sprintf(`SELECT %s FROM operations %s ORDER BY created_at DESC LIMIT ?`, operationColumns, where)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var records []OperationRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row scanner) (*OperationRecord, error) {
	var (
		rec               OperationRecord
		id                string
		created           int64
		started, finished sql.NullInt64
	)
	err := row.Scan(&id, &rec.Kind, &rec.Description, &rec.State, &rec.Progress,
		&rec.ErrorKind, &rec.ErrorMessage, &rec.DeviceSerial, &rec.DeviceName,
		&created, &started, &finished)
	if err != nil {
		return nil, err
	}

	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid operation id %q: %w", id, err)
	}
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.StartedAt = fromNanos(started)
	rec.FinishedAt = fromNanos(finished)
	return &rec, nil
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}
