package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for session history.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// InsertSession stores a finished session's outcome.
func (db *DB) InsertSession(ctx context.Context, rec *SessionRecord) error {
	query := `
		INSERT INTO sessions (id, kind, module_name, odoo_version, status,
			tests_total, tests_passed, tests_failed, tests_skipped, install_ok,
			error_summary, duration_ms, final_price, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.Kind, rec.ModuleName, rec.OdooVersion, rec.Status,
		rec.TestsTotal, rec.TestsPassed, rec.TestsFailed, rec.TestsSkipped, rec.InstallOK,
		truncateForDB(rec.ErrorSummary, 65535),
		rec.DurationMS, rec.FinalPrice,
		rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a single session record by ID.
func (db *DB) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `
		SELECT id, kind, module_name, odoo_version, status,
			tests_total, tests_passed, tests_failed, tests_skipped, install_ok,
			error_summary, duration_ms, final_price, created_at, completed_at
		FROM sessions WHERE id = $1`

	var rec SessionRecord
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.Kind, &rec.ModuleName, &rec.OdooVersion, &rec.Status,
		&rec.TestsTotal, &rec.TestsPassed, &rec.TestsFailed, &rec.TestsSkipped, &rec.InstallOK,
		&rec.ErrorSummary, &rec.DurationMS, &rec.FinalPrice,
		&rec.CreatedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying session %s: %w", id, err)
	}
	return &rec, nil
}

// ListSessions queries session history with optional filters.
func (db *DB) ListSessions(ctx context.Context, filter SessionFilter) ([]SessionRecord, error) {
	query := `
		SELECT id, kind, module_name, odoo_version, status,
			tests_total, tests_passed, tests_failed, tests_skipped, install_ok,
			duration_ms, final_price, created_at, completed_at
		FROM sessions
		WHERE ($1 = '' OR kind = $1)
		  AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Kind, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var results []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(
			&rec.ID, &rec.Kind, &rec.ModuleName, &rec.OdooVersion, &rec.Status,
			&rec.TestsTotal, &rec.TestsPassed, &rec.TestsFailed, &rec.TestsSkipped, &rec.InstallOK,
			&rec.DurationMS, &rec.FinalPrice,
			&rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
