// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package store

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
)

// poolIface is the subset of pgxpool.Pool used by PostgresKV, so tests can
// substitute pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresKV stores plugin keys in the plugin_kv table.
type PostgresKV struct {
	pool poolIface
}

// NewPostgresKV wraps an existing pool.
func NewPostgresKV(pool poolIface) *PostgresKV {
	return &PostgresKV{pool: pool}
}

// OpenPostgresKV connects to dsn. Run the migrations before first use.
func OpenPostgresKV(ctx context.Context, dsn string) (*PostgresKV, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("KV_CONNECT_FAILED").With("operation", "connect").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("KV_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}
	return &PostgresKV{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresKV) Close() {
	s.pool.Close()
}

// Get returns the value stored under namespace/key.
func (s *PostgresKV) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM plugin_kv WHERE namespace = $1 AND key = $2`,
		namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, oops.In("store").With("namespace", namespace).With("key", key).Wrap(ErrNotFound)
	}
	if err != nil {
		return nil, wrapPgErr(err, "get", namespace, key)
	}
	return value, nil
}

// Set upserts namespace/key.
func (s *PostgresKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO plugin_kv (namespace, key, value, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (namespace, key) DO UPDATE SET value = $3, updated_at = now()`,
		namespace, key, value)
	if err != nil {
		return wrapPgErr(err, "set", namespace, key)
	}
	return nil
}

// CompareAndSwap updates namespace/key only when it still holds prev, or
// inserts it only when it is missing if prev is nil. The condition is
// checked by the statement itself, so concurrent runtimes sharing the
// database agree on the winner.
func (s *PostgresKV) CompareAndSwap(ctx context.Context, namespace, key string, prev, next []byte) (bool, error) {
	if next == nil {
		next = []byte{}
	}
	var (
		tag pgconn.CommandTag
		err error
	)
	if prev == nil {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO plugin_kv (namespace, key, value, updated_at)
			 VALUES ($1, $2, $3, now())
			 ON CONFLICT (namespace, key) DO NOTHING`,
			namespace, key, next)
	} else {
		tag, err = s.pool.Exec(ctx,
			`UPDATE plugin_kv SET value = $4, updated_at = now()
			 WHERE namespace = $1 AND key = $2 AND value = $3`,
			namespace, key, prev, next)
	}
	if err != nil {
		return false, wrapPgErr(err, "compare_and_swap", namespace, key)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes namespace/key.
func (s *PostgresKV) Delete(ctx context.Context, namespace, key string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM plugin_kv WHERE namespace = $1 AND key = $2`,
		namespace, key)
	if err != nil {
		return wrapPgErr(err, "delete", namespace, key)
	}
	if tag.RowsAffected() == 0 {
		return oops.In("store").With("namespace", namespace).With("key", key).Wrap(ErrNotFound)
	}
	return nil
}

func wrapPgErr(err error, op, namespace, key string) error {
	b := oops.In("store").With("operation", op).With("namespace", namespace).With("key", key)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UndefinedTable:
			return b.Code("KV_SCHEMA_MISSING").Hint("run `composebot migrate up`").Wrap(err)
		case pgerrcode.CheckViolation:
			return b.Code("KV_VALUE_TOO_LARGE").Wrap(err)
		}
	}
	return b.Code("KV_QUERY_FAILED").Wrap(err)
}
