package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// poolIface is the subset of pgxpool.Pool the store uses, so tests can swap in pgxmock
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore keeps records in the records table. Run the migrations first.
type PostgresStore struct {
	pool poolIface
}

// OpenPostgres connects to dsn and pings the server
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("STORAGE_OPEN").Wrapf(err, "failed to connect to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("STORAGE_OPEN").Wrapf(err, "failed to ping database")
	}
	return &PostgresStore{pool: pool}, nil
}

func NewPostgresStore(pool poolIface) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM records WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, oops.Code("STORAGE_READ").With("key", key).Wrap(err)
	}
	return value, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return oops.Code("STORAGE_WRITE").With("key", key).Wrap(err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, c Criteria) ([]Record, error) {
	// NULL limit means no limit
	var limit *int
	if c.Limit > 0 {
		limit = &c.Limit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT key, value, updated_at FROM records
		 WHERE starts_with(key, $1) ORDER BY key LIMIT $2`,
		c.Prefix, limit)
	if err != nil {
		return nil, oops.Code("STORAGE_READ").With("prefix", c.Prefix).Wrap(err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Key, &rec.Value, &rec.UpdatedAt); err != nil {
			return nil, oops.Code("STORAGE_READ").Wrap(err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("STORAGE_READ").Wrap(err)
	}
	return out, nil
}
