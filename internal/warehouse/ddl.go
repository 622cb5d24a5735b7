// Package warehouse implements the analytical backend: one relational table
// per canonical entity type with a cohort_name column on every row, so any
// number of cohorts coexist in one store and can be queried side by side.
// SQLite (embedded, pure Go driver) and Postgres share a single
// implementation over database/sql, differing only by dialect.
package warehouse

import (
	"fmt"
	"strings"

	"healthsim/internal/schema"
	"healthsim/pkg/domain"
)

// Dialect captures the SQL differences between the supported engines.
type Dialect struct {
	Name        string
	NumberType  string
	JSONType    string
	Placeholder func(i int) string
}

var (
	DialectSQLite = Dialect{
		Name:        "sqlite",
		NumberType:  "REAL",
		JSONType:    "TEXT",
		Placeholder: func(int) string { return "?" },
	}
	DialectPostgres = Dialect{
		Name:        "postgres",
		NumberType:  "DOUBLE PRECISION",
		JSONType:    "JSONB",
		Placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	}
)

// Fixed columns present on every entity table, ahead of the declared
// fields. Declared field names that collide with these are rejected at
// DDL time rather than silently shadowed.
var fixedColumns = []string{"cohort_name", "record_id", "revision", "source_cohort", "refs", "extra"}

const manifestsTable = "cohort_manifests"

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func columnType(d Dialect, f schema.Field) string {
	if f.Type == schema.FieldNumber {
		return d.NumberType
	}
	return "TEXT"
}

// tableDDL renders the CREATE TABLE statement for one entity type at the
// registry's current version.
func tableDDL(d Dialect, entityType domain.EntityType, def schema.Definition) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(string(entityType)))
	b.WriteString("  cohort_name TEXT NOT NULL,\n")
	b.WriteString("  record_id TEXT NOT NULL,\n")
	b.WriteString("  revision INTEGER NOT NULL,\n")
	b.WriteString("  source_cohort TEXT,\n")
	fmt.Fprintf(&b, "  refs %s,\n", d.JSONType)
	fmt.Fprintf(&b, "  extra %s,\n", d.JSONType)
	for _, f := range def.Fields {
		for _, fixed := range fixedColumns {
			if f.Name == fixed {
				return "", fmt.Errorf("entity %s: field %q collides with a reserved column", entityType, f.Name)
			}
		}
		fmt.Fprintf(&b, "  %s %s,\n", quoteIdent(f.Name), columnType(d, f))
	}
	b.WriteString("  PRIMARY KEY (cohort_name, record_id)\n)")
	return b.String(), nil
}

func manifestsDDL(d Dialect) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  name TEXT PRIMARY KEY,
  tags %s,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  schema_version INTEGER NOT NULL,
  source TEXT,
  entity_counts %s
)`, manifestsTable, d.JSONType, d.JSONType)
}

// AllDDL renders the full schema for the registry's current version: the
// manifest table plus one table per canonical entity type.
func AllDDL(d Dialect, reg *schema.Registry) ([]string, error) {
	stmts := []string{manifestsDDL(d)}
	for _, entityType := range reg.Types() {
		def, ok := reg.DefinitionAt(entityType, reg.CurrentVersion())
		if !ok {
			continue
		}
		stmt, err := tableDDL(d, entityType, def)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
	}
	return stmts, nil
}
