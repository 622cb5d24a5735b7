package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"healthsim/internal/schema"
)

const defaultSQLitePath = "healthsim-data/warehouse.db"

// NewSQLite opens (or creates) an embedded SQLite warehouse and applies
// the canonical DDL.
func NewSQLite(ctx context.Context, path string, reg *schema.Registry) (*SQLWarehouse, error) {
	if path == "" {
		path = defaultSQLitePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)
	w, err := newSQLWarehouse(ctx, db, DialectSQLite, reg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}
