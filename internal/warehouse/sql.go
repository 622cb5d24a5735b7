package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"healthsim/internal/schema"
	"healthsim/pkg/domain"
)

// SQLWarehouse is the database/sql implementation shared by the SQLite
// and Postgres drivers.
type SQLWarehouse struct {
	db      *sql.DB
	dialect Dialect
	reg     *schema.Registry
}

func newSQLWarehouse(ctx context.Context, db *sql.DB, d Dialect, reg *schema.Registry) (*SQLWarehouse, error) {
	stmts, err := AllDDL(d, reg)
	if err != nil {
		return nil, err
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("execute ddl: %w", err)
		}
	}
	return &SQLWarehouse{db: db, dialect: d, reg: reg}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (w *SQLWarehouse) DB() *sql.DB { return w.db }

func (w *SQLWarehouse) ioErr(op string, err error) error {
	return &domain.IOError{Op: op, Backend: domain.BackendAnalytical, Err: err}
}

// checkReferences verifies every non-external reference resolves within
// the cohort before any row is written.
func checkReferences(cohort domain.Cohort) error {
	present := make(map[domain.Reference]bool)
	for entityType, records := range cohort.Entities {
		for _, rec := range records {
			present[domain.Reference{Type: entityType, ID: rec.ID}] = true
		}
	}
	for entityType, records := range cohort.Entities {
		for _, rec := range records {
			for _, ref := range rec.References {
				if ref.External {
					continue
				}
				if !present[domain.Reference{Type: ref.Type, ID: ref.ID}] {
					return &domain.ConstraintViolationError{
						Cohort:     cohort.Name,
						EntityType: entityType,
						RecordID:   rec.ID,
						Reference:  ref,
					}
				}
			}
		}
	}
	return nil
}

// rowValues splits a record into declared column values and the JSON
// spillover of undeclared fields.
func rowValues(def schema.Definition, rec domain.EntityRecord) ([]any, []byte, error) {
	declared := make(map[string]bool, len(def.Fields))
	vals := make([]any, 0, len(def.Fields))
	for _, f := range def.Fields {
		declared[f.Name] = true
		v, ok := rec.Fields[f.Name]
		if !ok || v == nil {
			vals = append(vals, nil)
			continue
		}
		if f.Type == schema.FieldNumber {
			n, ok := toFloat(v)
			if !ok {
				return nil, nil, fmt.Errorf("field %q: value %v is not numeric", f.Name, v)
			}
			vals = append(vals, n)
			continue
		}
		if s, ok := v.(string); ok {
			vals = append(vals, s)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		vals = append(vals, string(data))
	}
	extra := make(map[string]any)
	for k, v := range rec.Fields {
		if !declared[k] {
			extra[k] = v
		}
	}
	var extraJSON []byte
	if len(extra) > 0 {
		data, err := json.Marshal(extra)
		if err != nil {
			return nil, nil, err
		}
		extraJSON = data
	}
	return vals, extraJSON, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func (w *SQLWarehouse) insertSQL(entityType domain.EntityType, def schema.Definition) string {
	cols := append([]string{}, fixedColumns...)
	for _, f := range def.Fields {
		cols = append(cols, f.Name)
	}
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
		marks[i] = w.dialect.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(string(entityType)), strings.Join(quoted, ", "), strings.Join(marks, ", "))
}

// UpsertCohort replaces the cohort's rows in every entity table and its
// manifest row in one transaction. Referential integrity is checked up
// front so a violation leaves the warehouse untouched.
func (w *SQLWarehouse) UpsertCohort(ctx context.Context, cohort domain.Cohort) error {
	if err := checkReferences(cohort); err != nil {
		return err
	}
	version := w.reg.CurrentVersion()
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.ioErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	ph := w.dialect.Placeholder
	for _, entityType := range w.reg.Types() {
		del := fmt.Sprintf("DELETE FROM %s WHERE cohort_name = %s", quoteIdent(string(entityType)), ph(1))
		if _, err := tx.ExecContext(ctx, del, cohort.Name); err != nil {
			return w.ioErr("delete", err)
		}
	}
	for entityType, records := range cohort.Entities {
		def, ok := w.reg.DefinitionAt(entityType, version)
		if !ok {
			return &domain.SchemaViolationError{EntityType: entityType, Reason: "entity type is not declared in the canonical schema"}
		}
		insert := w.insertSQL(entityType, def)
		for _, rec := range records {
			vals, extraJSON, err := rowValues(def, rec)
			if err != nil {
				return &domain.SchemaViolationError{EntityType: entityType, RecordID: rec.ID, Reason: err.Error()}
			}
			refsJSON, err := json.Marshal(rec.References)
			if err != nil {
				return w.ioErr("encode", err)
			}
			var source any
			if rec.Provenance != nil {
				source = rec.Provenance.SourceCohort
			}
			args := append([]any{cohort.Name, rec.ID, rec.Revision, source, string(refsJSON), nullableJSON(extraJSON)}, vals...)
			if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
				return w.ioErr("insert", err)
			}
		}
	}
	if err := w.upsertManifest(ctx, tx, cohort); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return w.ioErr("commit", err)
	}
	committed = true
	return nil
}

func nullableJSON(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func (w *SQLWarehouse) upsertManifest(ctx context.Context, tx *sql.Tx, cohort domain.Cohort) error {
	tags, err := json.Marshal(domain.NormalizeTags(cohort.Tags))
	if err != nil {
		return w.ioErr("encode", err)
	}
	counts, err := json.Marshal(cohort.Counts())
	if err != nil {
		return w.ioErr("encode", err)
	}
	ph := w.dialect.Placeholder
	stmt := fmt.Sprintf(`INSERT INTO %s (name, tags, created_at, updated_at, schema_version, source, entity_counts)
VALUES (%s, %s, %s, %s, %s, %s, %s)
ON CONFLICT(name) DO UPDATE SET tags=EXCLUDED.tags, created_at=EXCLUDED.created_at,
updated_at=EXCLUDED.updated_at, schema_version=EXCLUDED.schema_version,
source=EXCLUDED.source, entity_counts=EXCLUDED.entity_counts`,
		manifestsTable, ph(1), ph(2), ph(3), ph(4), ph(5), ph(6), ph(7))
	if _, err := tx.ExecContext(ctx, stmt,
		cohort.Name, string(tags),
		cohort.CreatedAt.UTC().Format(time.RFC3339Nano),
		cohort.UpdatedAt.UTC().Format(time.RFC3339Nano),
		cohort.SchemaVersion, string(cohort.Source), string(counts)); err != nil {
		return w.ioErr("upsert manifest", err)
	}
	return nil
}

// Query executes a read-only statement with pagination. One extra row is
// fetched beyond the limit to compute HasMore without a second query.
func (w *SQLWarehouse) Query(ctx context.Context, query string, limit, offset int) (domain.QueryResult, error) {
	trimmed := strings.TrimSpace(query)
	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "select") && !strings.HasPrefix(lower, "with") {
		return domain.QueryResult{}, fmt.Errorf("only read-only SELECT queries are allowed")
	}
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	wrapped := fmt.Sprintf("SELECT * FROM (%s) AS q LIMIT %d OFFSET %d", strings.TrimSuffix(trimmed, ";"), limit+1, offset)
	rows, err := w.db.QueryContext(ctx, wrapped)
	if err != nil {
		return domain.QueryResult{}, w.ioErr("query", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return domain.QueryResult{}, w.ioErr("query", err)
	}
	result := domain.QueryResult{Columns: cols, Limit: limit, Offset: offset}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return domain.QueryResult{}, w.ioErr("scan", err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return domain.QueryResult{}, w.ioErr("query", err)
	}
	if len(result.Rows) > limit {
		result.Rows = result.Rows[:limit]
		result.HasMore = true
	}
	return result, nil
}

// DropCohort removes the cohort's rows from every table plus its
// manifest row. Dropping an unknown cohort reports NotFound.
func (w *SQLWarehouse) DropCohort(ctx context.Context, name string) error {
	ph := w.dialect.Placeholder
	var exists int
	check := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE name = %s", manifestsTable, ph(1))
	if err := w.db.QueryRowContext(ctx, check, name).Scan(&exists); err != nil {
		return w.ioErr("drop", err)
	}
	if exists == 0 {
		return &domain.NotFoundError{Name: name, Backend: domain.BackendAnalytical}
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.ioErr("begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, entityType := range w.reg.Types() {
		del := fmt.Sprintf("DELETE FROM %s WHERE cohort_name = %s", quoteIdent(string(entityType)), ph(1))
		if _, err := tx.ExecContext(ctx, del, name); err != nil {
			return w.ioErr("drop", err)
		}
	}
	delManifest := fmt.Sprintf("DELETE FROM %s WHERE name = %s", manifestsTable, ph(1))
	if _, err := tx.ExecContext(ctx, delManifest, name); err != nil {
		return w.ioErr("drop", err)
	}
	if err := tx.Commit(); err != nil {
		return w.ioErr("commit", err)
	}
	committed = true
	return nil
}

// RetagCohort updates the cohort's manifest row only; entity rows are
// left as written.
func (w *SQLWarehouse) RetagCohort(ctx context.Context, name string, tags []string, updatedAt time.Time) error {
	data, err := json.Marshal(domain.NormalizeTags(tags))
	if err != nil {
		return w.ioErr("encode", err)
	}
	ph := w.dialect.Placeholder
	stmt := fmt.Sprintf("UPDATE %s SET tags = %s, updated_at = %s WHERE name = %s",
		manifestsTable, ph(1), ph(2), ph(3))
	res, err := w.db.ExecContext(ctx, stmt, string(data), updatedAt.UTC().Format(time.RFC3339Nano), name)
	if err != nil {
		return w.ioErr("retag", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return w.ioErr("retag", err)
	}
	if affected == 0 {
		return &domain.NotFoundError{Name: name, Backend: domain.BackendAnalytical}
	}
	return nil
}

// ListCohorts enumerates manifest rows ordered by name.
func (w *SQLWarehouse) ListCohorts(ctx context.Context) ([]domain.CohortSummary, error) {
	stmt := fmt.Sprintf("SELECT name, tags, created_at, updated_at, schema_version, source, entity_counts FROM %s ORDER BY name", manifestsTable)
	rows, err := w.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, w.ioErr("list", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []domain.CohortSummary
	for rows.Next() {
		var (
			s          domain.CohortSummary
			tagsJSON   sql.NullString
			countsJSON sql.NullString
			createdAt  string
			updatedAt  string
			source     sql.NullString
		)
		if err := rows.Scan(&s.Name, &tagsJSON, &createdAt, &updatedAt, &s.SchemaVersion, &source, &countsJSON); err != nil {
			return nil, w.ioErr("scan", err)
		}
		if tagsJSON.Valid && tagsJSON.String != "" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &s.Tags); err != nil {
				return nil, w.ioErr("decode", err)
			}
		}
		if countsJSON.Valid && countsJSON.String != "" {
			if err := json.Unmarshal([]byte(countsJSON.String), &s.EntityCounts); err != nil {
				return nil, w.ioErr("decode", err)
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			s.CreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			s.UpdatedAt = t
		}
		if source.Valid {
			s.Source = domain.Backend(source.String)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, w.ioErr("list", err)
	}
	return summaries, nil
}

var _ domain.Warehouse = (*SQLWarehouse)(nil)
