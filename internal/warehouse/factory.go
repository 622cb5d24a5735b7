package warehouse

import (
	"context"
	"fmt"
	"os"
	"strings"

	"healthsim/internal/schema"
	"healthsim/pkg/domain"
)

// OpenFromEnv selects the warehouse driver from the process environment:
//
//	HEALTHSIM_WAREHOUSE_DRIVER=sqlite|postgres|memory (default sqlite)
//	HEALTHSIM_SQLITE_PATH=<file>  (sqlite driver)
//	HEALTHSIM_POSTGRES_DSN=<dsn>  (postgres driver)
func OpenFromEnv(ctx context.Context, reg *schema.Registry) (domain.Warehouse, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("HEALTHSIM_WAREHOUSE_DRIVER")))
	switch driver {
	case "", "sqlite":
		return NewSQLite(ctx, os.Getenv("HEALTHSIM_SQLITE_PATH"), reg)
	case "postgres":
		return NewPostgres(ctx, os.Getenv("HEALTHSIM_POSTGRES_DSN"), reg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown warehouse driver %q", driver)
	}
}
