package state

import (
	"context"
	"fmt"

	"healthsim/internal/docstore"
	"healthsim/internal/schema"
	"healthsim/internal/warehouse"
)

// OpenFromEnv assembles a Manager over the canonical schema with both
// backends selected from the process environment. See the docstore and
// warehouse packages for the recognized variables.
func OpenFromEnv(ctx context.Context, opts ...Option) (*Manager, error) {
	reg, err := schema.Canonical()
	if err != nil {
		return nil, fmt.Errorf("load canonical schema: %w", err)
	}
	docs, err := docstore.OpenFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	wh, err := warehouse.OpenFromEnv(ctx, reg)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	return New(docs, wh, reg, opts...), nil
}
