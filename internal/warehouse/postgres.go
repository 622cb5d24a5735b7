package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"healthsim/internal/schema"
)

const (
	pgDriver   = "pgx"
	defaultDSN = "postgres://localhost/healthsim?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// NewPostgres opens a Postgres warehouse using the provided DSN (falls
// back to defaultDSN) and applies the canonical DDL.
func NewPostgres(ctx context.Context, dsn string, reg *schema.Registry) (*SQLWarehouse, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(pgDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	w, err := newSQLWarehouse(ctx, db, DialectPostgres, reg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a
// restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
