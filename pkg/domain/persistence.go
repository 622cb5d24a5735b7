package domain

import (
	"context"
	"time"
)

// DocumentStore is the contract for the human-readable backend: one
// container per cohort holding one file per entity type plus a manifest.
// The manifest write is the commit point; a reader that observes a manifest
// is guaranteed complete entity files for that manifest version.
type DocumentStore interface {
	// Write persists the cohort and returns the container path (or key
	// prefix for object stores). Writes are atomic per cohort.
	Write(ctx context.Context, cohort Cohort) (string, error)
	// Read loads the full cohort. Returns *NotFoundError when absent.
	Read(ctx context.Context, name string) (Cohort, error)
	// Summary reads manifest-level metadata without loading entity files.
	Summary(ctx context.Context, name string) (CohortSummary, error)
	// List enumerates cohort summaries in the store.
	List(ctx context.Context) ([]CohortSummary, error)
	// Delete removes the cohort container. Returns *NotFoundError when absent.
	Delete(ctx context.Context, name string) error
	// Rename moves a cohort to a new name. Returns *NotFoundError when the
	// old name is absent.
	Rename(ctx context.Context, oldName, newName string) error
	// Retag rewrites the cohort manifest with a new tag set and update
	// time, leaving entity files untouched. Returns *NotFoundError when
	// the cohort is absent.
	Retag(ctx context.Context, name string, tags []string, updatedAt time.Time) error
}

// QueryResult carries rows from an ad hoc warehouse query, paginated.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
	HasMore bool     `json:"has_more"`
}

// Warehouse is the contract for the analytical backend: one relational
// table per canonical entity type with a cohort-identifying column, so
// multiple cohorts coexist in a single store and can be queried together.
type Warehouse interface {
	// UpsertCohort replaces the cohort's rows across every entity-type
	// table in a single transaction: either all tables are updated or the
	// prior state for that cohort is unchanged.
	UpsertCohort(ctx context.Context, cohort Cohort) error
	// Query runs a read-only SQL query across cohorts and entity types.
	Query(ctx context.Context, sql string, limit, offset int) (QueryResult, error)
	// DropCohort removes every row belonging to the cohort.
	DropCohort(ctx context.Context, name string) error
	// ListCohorts enumerates cohort summaries known to the warehouse.
	ListCohorts(ctx context.Context) ([]CohortSummary, error)
	// RetagCohort updates the cohort's manifest row with a new tag set and
	// update time, leaving entity rows untouched. Returns *NotFoundError
	// when the cohort is absent.
	RetagCohort(ctx context.Context, name string, tags []string, updatedAt time.Time) error
}
