package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/KevinKickass/OpenDeviceCore/internal/config"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS operations (
	id            UUID PRIMARY KEY,
	kind          TEXT NOT NULL,
	description   TEXT NOT NULL,
	state         TEXT NOT NULL,
	progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	device_serial TEXT NOT NULL DEFAULT '',
	device_name   TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	finished_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS operations_created_at_idx ON operations (created_at DESC);
`

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(cfg config.JournalConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &PostgresClient{pool: pool}
	if err := p.migrate(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresClient) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to create journal schema: %w", err)
	}
	return nil
}

func (p *PostgresClient) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresClient) SaveOperation(ctx context.Context, rec OperationRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO operations (id, kind, description, state, progress, error_kind, error_message,
		                        device_serial, device_name, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			progress = EXCLUDED.progress,
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			device_serial = EXCLUDED.device_serial,
			device_name = EXCLUDED.device_name,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`, rec.ID, rec.Kind, rec.Description, rec.State, rec.Progress, rec.ErrorKind, rec.ErrorMessage,
		rec.DeviceSerial, rec.DeviceName, rec.CreatedAt, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to save operation %s: %w", rec.ID, err)
	}
	return nil
}

const operationColumns = `id, kind, description, state, progress, error_kind, error_message,
	device_serial, device_name, created_at, started_at, finished_at`

func (p *PostgresClient) GetOperation(ctx context.Context, id uuid.UUID) (*OperationRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+operationColumns+` FROM operations WHERE id = $1`, id)

	rec, err := scanPostgresRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return rec, nil
}

func (p *PostgresClient) ListOperations(ctx context.Context, filter ListFilter) ([]OperationRecord, error) {
	where, args := filterClause(filter, func(i int) string { return fmt.Sprintf("$%d", i) })
	args = append(args, filter.limit())
	query := fmt.Sprintf(`SELECT %s FROM operations %s ORDER BY created_at DESC LIMIT $%d`,
		operationColumns, where, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	var records []OperationRecord
	for rows.Next() {
		rec, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanPostgresRecord(row pgx.Row) (*OperationRecord, error) {
	var rec OperationRecord
	err := row.Scan(&rec.ID, &rec.Kind, &rec.Description, &rec.State, &rec.Progress,
		&rec.ErrorKind, &rec.ErrorMessage, &rec.DeviceSerial, &rec.DeviceName,
		&rec.CreatedAt, &rec.StartedAt, &rec.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// filterClause builds the WHERE clause shared by both stores. placeholder
// renders the n-th positional parameter in the driver's syntax.
func filterClause(filter ListFilter, placeholder func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conds = append(conds, "kind = "+placeholder(len(args)))
	}
	if filter.DeviceSerial != "" {
		args = append(args, filter.DeviceSerial)
		conds = append(conds, "device_serial = "+placeholder(len(args)))
	}
	if filter.FailedOnly {
		conds = append(conds, "error_kind <> ''")
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}
