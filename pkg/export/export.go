// Package export projects loaded cohorts into derived output shapes: a
// flat tabular form (one table per entity type) and a dimensional
// star-schema form (dimension tables keyed by record id, fact tables
// carrying dimension keys). Projections are static and read-only; they
// never touch canonical storage.
package export

import (
	"fmt"
	"sort"
	"time"

	"healthsim/pkg/domain"
)

// Kind selects the projection shape.
type Kind string

const (
	KindTabular     Kind = "tabular"
	KindDimensional Kind = "dimensional"
)

// Format selects the encoding of a materialized projection.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Spec is a named, read-only transformation of a cohort.
type Spec struct {
	Name string `json:"name"`
	Kind Kind   `json:"kind"`
	// EntityTypes limits the projection to a subset of the cohort's
	// entity types. Empty means every type present.
	EntityTypes []domain.EntityType `json:"entity_types,omitempty"`
	// Dimensions lists the entity types rendered as dimension tables in
	// dimensional projections. Types present in the cohort but not
	// listed become fact tables.
	Dimensions []domain.EntityType `json:"dimensions,omitempty"`
}

// Table is one projected output table.
type Table struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Result is the full projection of one cohort under one spec.
type Result struct {
	Spec        Spec      `json:"spec"`
	Cohort      string    `json:"cohort"`
	GeneratedAt time.Time `json:"generated_at"`
	Tables      []Table   `json:"tables"`
}

// TotalRows sums rows across tables.
func (r Result) TotalRows() int {
	total := 0
	for _, t := range r.Tables {
		total += len(t.Rows)
	}
	return total
}

// Project applies the spec to the cohort.
func Project(cohort domain.Cohort, spec Spec) (Result, error) {
	switch spec.Kind {
	case KindTabular:
		return projectTabular(cohort, spec), nil
	case KindDimensional:
		return projectDimensional(cohort, spec), nil
	default:
		return Result{}, fmt.Errorf("unknown export kind %q", spec.Kind)
	}
}

func selectedTypes(cohort domain.Cohort, spec Spec) []domain.EntityType {
	if len(spec.EntityTypes) == 0 {
		return cohort.Types()
	}
	allowed := make(map[domain.EntityType]bool, len(spec.EntityTypes))
	for _, t := range spec.EntityTypes {
		allowed[t] = true
	}
	var out []domain.EntityType
	for _, t := range cohort.Types() {
		if allowed[t] {
			out = append(out, t)
		}
	}
	return out
}

// fieldColumns returns the sorted union of field names across records.
func fieldColumns(records []domain.EntityRecord) []string {
	seen := make(map[string]bool)
	for _, rec := range records {
		for name := range rec.Fields {
			seen[name] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedRecords(records []domain.EntityRecord) []domain.EntityRecord {
	out := make([]domain.EntityRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func projectTabular(cohort domain.Cohort, spec Spec) Result {
	result := Result{Spec: spec, Cohort: cohort.Name, GeneratedAt: time.Now().UTC()}
	for _, entityType := range selectedTypes(cohort, spec) {
		records := cohort.Entities[entityType]
		fields := fieldColumns(records)
		columns := append([]string{"record_id", "revision", "source_cohort"}, fields...)
		table := Table{Name: string(entityType), Columns: columns}
		for _, rec := range sortedRecords(records) {
			row := make([]any, 0, len(columns))
			var source any
			if rec.Provenance != nil {
				source = rec.Provenance.SourceCohort
			}
			row = append(row, rec.ID, rec.Revision, source)
			for _, name := range fields {
				row = append(row, rec.Fields[name])
			}
			table.Rows = append(table.Rows, row)
		}
		result.Tables = append(result.Tables, table)
	}
	return result
}

func projectDimensional(cohort domain.Cohort, spec Spec) Result {
	result := Result{Spec: spec, Cohort: cohort.Name, GeneratedAt: time.Now().UTC()}
	dims := make(map[domain.EntityType]bool, len(spec.Dimensions))
	for _, t := range spec.Dimensions {
		dims[t] = true
	}

	for _, entityType := range selectedTypes(cohort, spec) {
		records := cohort.Entities[entityType]
		fields := fieldColumns(records)
		if dims[entityType] {
			columns := append([]string{keyColumn(entityType)}, fields...)
			table := Table{Name: "dim_" + string(entityType), Columns: columns}
			for _, rec := range sortedRecords(records) {
				row := make([]any, 0, len(columns))
				row = append(row, rec.ID)
				for _, name := range fields {
					row = append(row, rec.Fields[name])
				}
				table.Rows = append(table.Rows, row)
			}
			result.Tables = append(result.Tables, table)
			continue
		}

		// Fact table: one dimension-key column per referenced dimension
		// type, with records expanded into one row per key combination.
		dimTypes := referencedDimensions(records, dims)
		columns := append([]string{keyColumn(entityType)}, fields...)
		for _, dt := range dimTypes {
			columns = append(columns, keyColumn(dt))
		}
		table := Table{Name: "fact_" + string(entityType), Columns: columns}
		for _, rec := range sortedRecords(records) {
			base := make([]any, 0, len(columns))
			base = append(base, rec.ID)
			for _, name := range fields {
				base = append(base, rec.Fields[name])
			}
			for _, keys := range expandDimensionKeys(rec, dimTypes) {
				row := append(append([]any{}, base...), keys...)
				table.Rows = append(table.Rows, row)
			}
		}
		result.Tables = append(result.Tables, table)
	}
	return result
}

func keyColumn(entityType domain.EntityType) string {
	return string(entityType) + "_key"
}

// referencedDimensions collects, in sorted order, the dimension types any
// of the records reference.
func referencedDimensions(records []domain.EntityRecord, dims map[domain.EntityType]bool) []domain.EntityType {
	seen := make(map[domain.EntityType]bool)
	for _, rec := range records {
		for _, ref := range rec.References {
			if dims[ref.Type] {
				seen[ref.Type] = true
			}
		}
	}
	out := make([]domain.EntityType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// expandDimensionKeys returns one key tuple per combination of the
// record's references into the dimension types, expanding one-to-many
// references into repeated fact rows. A record with no reference into a
// dimension type carries a nil key for it.
func expandDimensionKeys(rec domain.EntityRecord, dimTypes []domain.EntityType) [][]any {
	combos := [][]any{{}}
	for _, dt := range dimTypes {
		var keys []any
		for _, ref := range rec.References {
			if ref.Type == dt {
				keys = append(keys, ref.ID)
			}
		}
		if len(keys) == 0 {
			keys = []any{nil}
		}
		next := make([][]any, 0, len(combos)*len(keys))
		for _, combo := range combos {
			for _, key := range keys {
				next = append(next, append(append([]any{}, combo...), key))
			}
		}
		combos = next
	}
	return combos
}
