// Package database provides the PostgreSQL connection pool and the storage
// operations of the ingestion pipeline: transactional batch inserts of health
// samples, per-user counting, and account-wide deletion.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vitalsync/vitalsync/internal/ingest/records"
)

// opTimeout bounds every single store round trip.
const opTimeout = 30 * time.Second

// Config holds the configuration for connecting to the PostgreSQL database.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL database connection pool.
type Manager struct {
	dbpool dbPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (dbPool, error)
}

// Options represents an optional function to override Manager default values.
type Options func(*options)

// New creates a database manager with a PostgreSQL connection pool using the provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func New(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (dbPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create database connection pool: %w", err)
	}

	slog.Debug("Testing database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %v", err)
	}

	slog.Info("Successfully pinged PostgreSQL database", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// InsertBatch persists a bounded slice of normalized records for the user in a
// single transaction.
//
// All-or-nothing: if any insert fails, the whole batch is rolled back and the
// error is returned. There are no internal retries; retry policy belongs to
// the caller.
func (db Manager) InsertBatch(ctx context.Context, userID int64, recs []records.Record) (int64, error) {
	if db.dbpool == nil {
		return 0, fmt.Errorf("database not initialized")
	}
	if len(recs) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := db.dbpool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch transaction: %v", err)
	}
	// No-op once the transaction has been committed.
	defer func() { _ = tx.Rollback(ctx) }()

	entryTime := time.Now()
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(
			`INSERT INTO health_samples (
				user_id,
				sample_type,
				start_date,
				end_date,
				metadata,
				source_name,
				source_version,
				source_product_type,
				device,
				external_id,
				quantity,
				value,
				entry_time
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			userID,                    // user_id
			rec.SampleType,            // sample_type
			rec.StartDate,             // start_date
			nullableTime(rec.EndDate), // end_date
			nullableJSON(rec.Metadata),
			rec.SourceName,
			rec.SourceVersion,
			rec.SourceProductType,
			rec.Device,
			rec.ExternalID,
			rec.Quantity,
			rec.Value,
			entryTime,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for range recs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if errors.Is(err, context.Canceled) {
				return 0, fmt.Errorf("batch insert canceled: %v", err)
			}
			return 0, fmt.Errorf("failed to insert sample batch: %v", err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("failed to close sample batch: %v", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit sample batch: %v", err)
	}
	return int64(len(recs)), nil
}

// CountSamples returns the total number of stored samples for the user.
//
// The count is read outside of any per-user lock, so it is approximate when
// concurrent ingestion calls for the same user are in flight.
func (db Manager) CountSamples(ctx context.Context, userID int64) (int64, error) {
	if db.dbpool == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var count int64
	err := db.dbpool.QueryRow(ctx,
		`SELECT COUNT(*) FROM health_samples WHERE user_id = $1`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count samples: %v", err)
	}
	return count, nil
}

// CountSamplesBySource returns the per-source sample counts for the user,
// keyed by source name.
func (db Manager) CountSamplesBySource(ctx context.Context, userID int64) (map[string]int64, error) {
	if db.dbpool == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := db.dbpool.Query(ctx,
		`SELECT source_name, COUNT(*) FROM health_samples WHERE user_id = $1 GROUP BY source_name`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count samples by source: %v", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var source string
		var count int64
		if err := rows.Scan(&source, &count); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %v", err)
		}
		counts[source] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading source counts: %v", err)
	}
	return counts, nil
}

// DeleteAllSamples removes every stored sample for the user and returns the
// number of deleted rows.
//
// This operation belongs to the account-deletion collaborator; the ingestion
// path never calls it.
func (db Manager) DeleteAllSamples(ctx context.Context, userID int64) (int64, error) {
	if db.dbpool == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx, `DELETE FROM health_samples WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete samples: %v", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	user := url.User(c.User)
	if c.Password != "" {
		user = url.UserPassword(c.User, c.Password)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
