package tabular

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresBackend persists the grid in two relations: one row per table with
// its header, one row per data row with its cells as a text array.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend connects to Postgres and verifies the connection.
func NewPostgresBackend(ctx context.Context, connString string) (*PostgresBackend, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresBackend{pool: pool}, nil
}

// InitSchema creates the grid relations if they do not exist.
func (p *PostgresBackend) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS grid_tables (
		name    TEXT PRIMARY KEY,
		headers TEXT[] NOT NULL
	);

	CREATE TABLE IF NOT EXISTS grid_rows (
		table_name TEXT NOT NULL REFERENCES grid_tables(name),
		row_idx    INT  NOT NULL,
		cells      TEXT[] NOT NULL,
		PRIMARY KEY (table_name, row_idx)
	);

	CREATE INDEX IF NOT EXISTS idx_grid_rows_table ON grid_rows(table_name);
	`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to init grid schema: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (p *PostgresBackend) Close() {
	p.pool.Close()
}

func (p *PostgresBackend) Tables(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT name FROM grid_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (p *PostgresBackend) EnsureTable(ctx context.Context, table string, headers []string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO grid_tables (name, headers) VALUES ($1, $2)
		 ON CONFLICT (name) DO NOTHING`,
		table, headers)
	if err != nil {
		return fmt.Errorf("failed to ensure table %s: %w", table, err)
	}
	return nil
}

func (p *PostgresBackend) Headers(ctx context.Context, table string) ([]string, error) {
	var headers []string
	err := p.pool.QueryRow(ctx,
		`SELECT headers FROM grid_tables WHERE name = $1`, table).Scan(&headers)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoTable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read headers of %s: %w", table, err)
	}
	return headers, nil
}

func (p *PostgresBackend) RowCount(ctx context.Context, table string) (int, error) {
	if _, err := p.Headers(ctx, table); err != nil {
		return 0, err
	}
	var n int
	err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM grid_rows WHERE table_name = $1`, table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	return n, nil
}

func (p *PostgresBackend) ReadRow(ctx context.Context, table string, row int) ([]string, error) {
	headers, err := p.Headers(ctx, table)
	if err != nil {
		return nil, err
	}
	var cells []string
	err = p.pool.QueryRow(ctx,
		`SELECT cells FROM grid_rows WHERE table_name = $1 AND row_idx = $2`,
		table, row).Scan(&cells)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRow
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s row %d: %w", table, row, err)
	}
	return padCopy(cells, len(headers)), nil
}

func (p *PostgresBackend) ReadAll(ctx context.Context, table string) ([][]string, error) {
	headers, err := p.Headers(ctx, table)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx,
		`SELECT cells FROM grid_rows WHERE table_name = $1 ORDER BY row_idx`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", table, err)
	}
	defer rows.Close()

	var out [][]string
	for rows.Next() {
		var cells []string
		if err := rows.Scan(&cells); err != nil {
			return nil, err
		}
		out = append(out, padCopy(cells, len(headers)))
	}
	return out, rows.Err()
}

func (p *PostgresBackend) ScanColumn(ctx context.Context, table string, col int) ([]string, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT COALESCE(cells[$2], '') FROM grid_rows
		 WHERE table_name = $1 ORDER BY row_idx`,
		table, col+1)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s column %d: %w", table, col, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) AppendRow(ctx context.Context, table string, cells []string) (int, error) {
	headers, err := p.Headers(ctx, table)
	if err != nil {
		return 0, err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize appends per table so two appenders never race for an index.
	if _, err := tx.Exec(ctx,
		`SELECT 1 FROM grid_tables WHERE name = $1 FOR UPDATE`, table); err != nil {
		return 0, fmt.Errorf("failed to lock table %s: %w", table, err)
	}

	var idx int
	err = tx.QueryRow(ctx,
		`INSERT INTO grid_rows (table_name, row_idx, cells)
		 SELECT $1, COALESCE(MAX(row_idx), 0) + 1, $2 FROM grid_rows WHERE table_name = $1
		 RETURNING row_idx`,
		table, padCopy(cells, len(headers))).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("failed to append to %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return idx, nil
}

func (p *PostgresBackend) WriteRange(ctx context.Context, table string, row, startCol int, cells []string) error {
	return p.mutateRow(ctx, table, row, func(current []string, width int) []string {
		need := startCol + len(cells)
		if need > len(current) {
			current = padCopy(current, need)
		}
		copy(current[startCol:], cells)
		return current
	})
}

func (p *PostgresBackend) ClearRange(ctx context.Context, table string, row, startCol, endCol int) error {
	return p.mutateRow(ctx, table, row, func(current []string, width int) []string {
		for i := startCol; i < endCol && i < len(current); i++ {
			current[i] = ""
		}
		return current
	})
}

// mutateRow applies a read-modify-write on one row inside a transaction.
func (p *PostgresBackend) mutateRow(ctx context.Context, table string, row int, mut func(cells []string, width int) []string) error {
	headers, err := p.Headers(ctx, table)
	if err != nil {
		return err
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin row tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var cells []string
	err = tx.QueryRow(ctx,
		`SELECT cells FROM grid_rows WHERE table_name = $1 AND row_idx = $2 FOR UPDATE`,
		table, row).Scan(&cells)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRow
	}
	if err != nil {
		return fmt.Errorf("failed to read %s row %d: %w", table, row, err)
	}

	cells = mut(padCopy(cells, len(headers)), len(headers))

	if _, err := tx.Exec(ctx,
		`UPDATE grid_rows SET cells = $3 WHERE table_name = $1 AND row_idx = $2`,
		table, row, cells); err != nil {
		return fmt.Errorf("failed to write %s row %d: %w", table, row, err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresBackend) DeleteRow(ctx context.Context, table string, row int) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM grid_rows WHERE table_name = $1 AND row_idx = $2`, table, row)
	if err != nil {
		return fmt.Errorf("failed to delete %s row %d: %w", table, row, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoRow
	}

	// Shift in two passes through negative indices so the primary key never
	// collides mid-update.
	if _, err := tx.Exec(ctx,
		`UPDATE grid_rows SET row_idx = -(row_idx - 1)
		 WHERE table_name = $1 AND row_idx > $2`, table, row); err != nil {
		return fmt.Errorf("failed to shift %s rows: %w", table, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE grid_rows SET row_idx = -row_idx
		 WHERE table_name = $1 AND row_idx < 0`, table); err != nil {
		return fmt.Errorf("failed to restore %s rows: %w", table, err)
	}
	return tx.Commit(ctx)
}
