// Package state implements the cohort manager: the orchestration layer
// that validates cohorts against the schema registry and keeps the
// document and analytical backends consistent without a shared
// transaction manager. Cross-backend writes use compensating actions:
// the document store is written first, and a failed warehouse upsert
// restores (or removes) the prior document state.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"healthsim/internal/schema"
	"healthsim/pkg/domain"
	"healthsim/pkg/export"
)

// Manager coordinates the schema registry and the two persistence
// backends. All cohort mutations go through it.
type Manager struct {
	docs    domain.DocumentStore
	wh      domain.Warehouse
	reg     *schema.Registry
	metrics MetricsRecorder
	tracer  Tracer
	clock   func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option customizes a Manager.
type Option func(*Manager)

// WithMetricsRecorder attaches a metrics recorder.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(m *Manager) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

// WithTracer attaches a tracer.
func WithTracer(tr Tracer) Option {
	return func(m *Manager) {
		if tr != nil {
			m.tracer = tr
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs a Manager over the given backends and registry.
func New(docs domain.DocumentStore, wh domain.Warehouse, reg *schema.Registry, opts ...Option) *Manager {
	m := &Manager{
		docs:    docs,
		wh:      wh,
		reg:     reg,
		metrics: noopMetricsRecorder{},
		tracer:  noopTracer{},
		clock:   func() time.Time { return time.Now().UTC() },
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// nameLock returns the mutex guarding one cohort name. Operations on
// different names proceed in parallel; operations on the same name
// serialize.
func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// lockNames acquires the locks for a set of names in sorted order so
// multi-cohort operations cannot deadlock against each other.
func (m *Manager) lockNames(names ...string) func() {
	unique := make(map[string]bool, len(names))
	var ordered []string
	for _, n := range names {
		if !unique[n] {
			unique[n] = true
			ordered = append(ordered, n)
		}
	}
	sort.Strings(ordered)
	acquired := make([]*sync.Mutex, 0, len(ordered))
	for _, n := range ordered {
		l := m.nameLock(n)
		l.Lock()
		acquired = append(acquired, l)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

func (m *Manager) instrument(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	m.metrics.Observe(ctx, op, err == nil, time.Since(start))
	return err
}

// normalize validates every record against the registry at the
// registry's current version, migrating older cohorts in memory first,
// and rewrites each record's references from its declared reference
// fields. It returns a normalized deep copy; the input is not mutated.
func (m *Manager) normalize(cohort domain.Cohort) (domain.Cohort, error) {
	out := cohort.Clone()
	current := m.reg.CurrentVersion()
	if out.SchemaVersion > current {
		return domain.Cohort{}, &domain.MigrationError{FromVersion: out.SchemaVersion, ToVersion: current, FailedStep: out.SchemaVersion}
	}
	for entityType, records := range out.Entities {
		seen := make(map[string]bool, len(records))
		for i, rec := range records {
			if rec.ID == "" {
				return domain.Cohort{}, &domain.SchemaViolationError{EntityType: entityType, Reason: "record is missing an identifier"}
			}
			if seen[rec.ID] {
				return domain.Cohort{}, &domain.SchemaViolationError{EntityType: entityType, RecordID: rec.ID, Reason: "duplicate identifier within entity type"}
			}
			seen[rec.ID] = true
			rec.Type = entityType
			if out.SchemaVersion < current {
				migrated, err := m.reg.Migrate(rec, entityType, out.SchemaVersion, current)
				if err != nil {
					return domain.Cohort{}, err
				}
				rec = migrated
			}
			if err := m.reg.Validate(rec, entityType, current); err != nil {
				return domain.Cohort{}, err
			}
			refs, err := m.reg.References(rec, entityType, current)
			if err != nil {
				return domain.Cohort{}, err
			}
			rec.References = refs
			records[i] = rec
		}
	}
	out.SchemaVersion = current
	out.Tags = domain.NormalizeTags(out.Tags)
	return out, nil
}

// save persists the normalized cohort to the selected backends with the
// cross-backend all-or-nothing protocol. Callers must hold the name lock.
func (m *Manager) save(ctx context.Context, cohort domain.Cohort, backends ...domain.Backend) error {
	if cohort.Name == "" {
		return fmt.Errorf("cohort name must not be empty")
	}
	toDoc, toWarehouse := false, false
	if len(backends) == 0 {
		toDoc, toWarehouse = true, true
	}
	for _, b := range backends {
		switch b {
		case domain.BackendDocument:
			toDoc = true
		case domain.BackendAnalytical:
			toWarehouse = true
		default:
			return fmt.Errorf("unknown backend %q", b)
		}
	}

	var prior domain.Cohort
	hadPrior := false
	if toDoc && toWarehouse {
		existing, err := m.docs.Read(ctx, cohort.Name)
		switch {
		case err == nil:
			prior, hadPrior = existing, true
		case !domain.IsNotFound(err):
			return err
		}
	}

	if toDoc {
		if err := withRetry(ctx, func() error {
			_, err := m.docs.Write(ctx, cohort)
			return err
		}); err != nil {
			return err
		}
	}
	if toWarehouse {
		if err := withRetry(ctx, func() error {
			return m.wh.UpsertCohort(ctx, cohort)
		}); err != nil {
			if toDoc {
				m.compensateDoc(ctx, cohort.Name, prior, hadPrior)
			}
			return err
		}
	}
	return nil
}

// compensateDoc restores the document backend after a failed warehouse
// write: the prior container is rewritten, or the fresh one removed.
func (m *Manager) compensateDoc(ctx context.Context, name string, prior domain.Cohort, hadPrior bool) {
	_ = withRetry(ctx, func() error {
		if hadPrior {
			_, err := m.docs.Write(ctx, prior)
			return err
		}
		err := m.docs.Delete(ctx, name)
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// Create validates the supplied entities and persists a new cohort to
// both backends. It fails when the name is already taken.
func (m *Manager) Create(ctx context.Context, name string, entities map[domain.EntityType][]domain.EntityRecord, tags []string) (domain.Cohort, error) {
	var out domain.Cohort
	err := m.instrument(ctx, "create", func(ctx context.Context) error {
		unlock := m.lockNames(name)
		defer unlock()
		if _, err := m.docs.Summary(ctx, name); err == nil {
			return fmt.Errorf("cohort %s already exists", name)
		} else if !domain.IsNotFound(err) {
			return err
		}
		now := m.clock()
		cohort := domain.Cohort{
			ID:            uuid.NewString(),
			Name:          name,
			Tags:          tags,
			CreatedAt:     now,
			UpdatedAt:     now,
			SchemaVersion: m.reg.CurrentVersion(),
			Source:        domain.BackendDocument,
			Entities:      entities,
		}
		normalized, err := m.normalize(cohort)
		if err != nil {
			return err
		}
		if err := m.save(ctx, normalized); err != nil {
			return err
		}
		out = normalized
		return nil
	})
	return out, err
}

// Load reads a cohort from the document backend. Cohorts stamped at an
// older schema version are migrated in memory when a transform path
// exists; stored state is left untouched.
func (m *Manager) Load(ctx context.Context, name string) (domain.Cohort, error) {
	var out domain.Cohort
	err := m.instrument(ctx, "load", func(ctx context.Context) error {
		var cohort domain.Cohort
		if err := withRetry(ctx, func() error {
			c, err := m.docs.Read(ctx, name)
			if err != nil {
				return err
			}
			cohort = c
			return nil
		}); err != nil {
			return err
		}
		normalized, err := m.normalize(cohort)
		if err != nil {
			return err
		}
		normalized.Source = domain.BackendDocument
		out = normalized
		return nil
	})
	return out, err
}

// Save validates and persists an in-memory cohort. With no explicit
// backends it writes through to both.
func (m *Manager) Save(ctx context.Context, cohort domain.Cohort, backends ...domain.Backend) (domain.Cohort, error) {
	var out domain.Cohort
	err := m.instrument(ctx, "save", func(ctx context.Context) error {
		normalized, err := m.normalize(cohort)
		if err != nil {
			return err
		}
		unlock := m.lockNames(normalized.Name)
		defer unlock()
		if normalized.ID == "" {
			normalized.ID = uuid.NewString()
		}
		normalized.UpdatedAt = m.clock()
		if normalized.CreatedAt.IsZero() {
			normalized.CreatedAt = normalized.UpdatedAt
		}
		if err := m.save(ctx, normalized, backends...); err != nil {
			return err
		}
		out = normalized
		return nil
	})
	return out, err
}

// Clone deep-copies an existing cohort under a new name. Record
// identifiers are preserved, tags are not copied, and timestamps reset.
func (m *Manager) Clone(ctx context.Context, sourceName, newName string) (domain.Cohort, error) {
	var out domain.Cohort
	err := m.instrument(ctx, "clone", func(ctx context.Context) error {
		if sourceName == newName {
			return fmt.Errorf("clone target must differ from source")
		}
		unlock := m.lockNames(sourceName, newName)
		defer unlock()
		if _, err := m.docs.Summary(ctx, newName); err == nil {
			return fmt.Errorf("cohort %s already exists", newName)
		} else if !domain.IsNotFound(err) {
			return err
		}
		source, err := m.docs.Read(ctx, sourceName)
		if err != nil {
			return err
		}
		normalized, err := m.normalize(source)
		if err != nil {
			return err
		}
		now := m.clock()
		normalized.ID = uuid.NewString()
		normalized.Name = newName
		normalized.Tags = nil
		normalized.CreatedAt = now
		normalized.UpdatedAt = now
		normalized.Source = domain.BackendDocument
		if err := m.save(ctx, normalized); err != nil {
			return err
		}
		out = normalized
		return nil
	})
	return out, err
}

// Merge combines an ordered sequence of cohorts into a new cohort. When
// the same (entity type, id) appears in more than one source, the record
// from the later cohort wins, its revision is bumped past the loser's,
// and the winning source cohort is recorded as provenance. References
// that cannot be resolved within the merged set are reported as warnings
// and marked external rather than aborting the merge.
func (m *Manager) Merge(ctx context.Context, newName string, sourceNames []string) (domain.Cohort, []string, error) {
	var out domain.Cohort
	var warnings []string
	err := m.instrument(ctx, "merge", func(ctx context.Context) error {
		if len(sourceNames) == 0 {
			return fmt.Errorf("merge requires at least one source cohort")
		}
		names := append([]string{newName}, sourceNames...)
		unlock := m.lockNames(names...)
		defer unlock()
		if _, err := m.docs.Summary(ctx, newName); err == nil {
			return fmt.Errorf("cohort %s already exists", newName)
		} else if !domain.IsNotFound(err) {
			return err
		}

		// Full snapshots up front so sources cannot shift mid-merge.
		sources := make([]domain.Cohort, 0, len(sourceNames))
		for _, name := range sourceNames {
			cohort, err := m.docs.Read(ctx, name)
			if err != nil {
				return err
			}
			normalized, err := m.normalize(cohort)
			if err != nil {
				return err
			}
			sources = append(sources, normalized)
		}

		merged := make(map[domain.EntityType]map[string]domain.EntityRecord)
		order := make(map[domain.EntityType][]string)
		for _, source := range sources {
			for entityType, records := range source.Entities {
				if merged[entityType] == nil {
					merged[entityType] = make(map[string]domain.EntityRecord)
				}
				for _, rec := range records {
					rec = rec.Clone()
					rec.Provenance = &domain.Provenance{SourceCohort: source.Name}
					if prev, conflict := merged[entityType][rec.ID]; conflict {
						if prev.Revision >= rec.Revision {
							rec.Revision = prev.Revision + 1
						}
					} else {
						order[entityType] = append(order[entityType], rec.ID)
					}
					merged[entityType][rec.ID] = rec
				}
			}
		}

		now := m.clock()
		result := domain.Cohort{
			ID:            uuid.NewString(),
			Name:          newName,
			CreatedAt:     now,
			UpdatedAt:     now,
			SchemaVersion: m.reg.CurrentVersion(),
			Source:        domain.BackendDocument,
			Entities:      make(map[domain.EntityType][]domain.EntityRecord, len(merged)),
		}
		for entityType, ids := range order {
			records := make([]domain.EntityRecord, 0, len(ids))
			for _, id := range ids {
				records = append(records, merged[entityType][id])
			}
			result.Entities[entityType] = records
		}

		warnings = resolveDanglingReferences(&result)
		if err := m.save(ctx, result); err != nil {
			return err
		}
		out = result
		return nil
	})
	return out, warnings, err
}

// resolveDanglingReferences marks internal references that do not
// resolve within the cohort as external and reports one warning each.
func resolveDanglingReferences(cohort *domain.Cohort) []string {
	present := make(map[domain.Reference]bool)
	for entityType, records := range cohort.Entities {
		for _, rec := range records {
			present[domain.Reference{Type: entityType, ID: rec.ID}] = true
		}
	}
	var warnings []string
	for entityType, records := range cohort.Entities {
		for i, rec := range records {
			for j, ref := range rec.References {
				if ref.External {
					continue
				}
				if !present[domain.Reference{Type: ref.Type, ID: ref.ID}] {
					records[i].References[j].External = true
					warnings = append(warnings, fmt.Sprintf(
						"%s %q references %s %q which is absent from the merged set", entityType, rec.ID, ref.Type, ref.ID))
				}
			}
		}
	}
	sort.Strings(warnings)
	return warnings
}

// Tag adds and removes tags on an existing cohort. Only the manifest on
// each backend is rewritten: entity content is neither re-validated nor
// migrated, so cohorts stamped at older schema versions stay taggable.
// The operation is idempotent: persisted tag sets are sorted and
// deduplicated.
func (m *Manager) Tag(ctx context.Context, name string, add, remove []string) (domain.CohortSummary, error) {
	var out domain.CohortSummary
	err := m.instrument(ctx, "tag", func(ctx context.Context) error {
		unlock := m.lockNames(name)
		defer unlock()
		summary, err := m.docs.Summary(ctx, name)
		if err != nil {
			return err
		}
		removed := make(map[string]bool, len(remove))
		for _, t := range remove {
			removed[t] = true
		}
		tags := make([]string, 0, len(summary.Tags)+len(add))
		for _, t := range summary.Tags {
			if !removed[t] {
				tags = append(tags, t)
			}
		}
		for _, t := range add {
			if !removed[t] {
				tags = append(tags, t)
			}
		}
		next := domain.NormalizeTags(tags)
		now := m.clock()
		if err := withRetry(ctx, func() error { return m.docs.Retag(ctx, name, next, now) }); err != nil {
			return err
		}
		if err := withRetry(ctx, func() error { return m.wh.RetagCohort(ctx, name, next, now) }); err != nil {
			_ = withRetry(ctx, func() error { return m.docs.Retag(ctx, name, summary.Tags, summary.UpdatedAt) })
			return err
		}
		summary.Tags = next
		summary.UpdatedAt = now
		summary.NeedsMigration = summary.SchemaVersion < m.reg.CurrentVersion()
		out = summary
		return nil
	})
	return out, err
}

// Delete removes the cohort from both backends. The document container
// is removed first; a failed warehouse drop restores it.
func (m *Manager) Delete(ctx context.Context, name string) error {
	return m.instrument(ctx, "delete", func(ctx context.Context) error {
		unlock := m.lockNames(name)
		defer unlock()
		prior, err := m.docs.Read(ctx, name)
		hadDoc := err == nil
		if err != nil && !domain.IsNotFound(err) {
			return err
		}
		if hadDoc {
			if err := withRetry(ctx, func() error { return m.docs.Delete(ctx, name) }); err != nil && !domain.IsNotFound(err) {
				return err
			}
		}
		hadRows := true
		err = withRetry(ctx, func() error {
			dropErr := m.wh.DropCohort(ctx, name)
			if domain.IsNotFound(dropErr) {
				hadRows = false
				return nil
			}
			return dropErr
		})
		if err != nil {
			if hadDoc {
				m.compensateDoc(ctx, name, prior, true)
			}
			return err
		}
		if !hadDoc && !hadRows {
			return &domain.NotFoundError{Name: name}
		}
		return nil
	})
}

// Rename moves a cohort to a new name in both backends.
func (m *Manager) Rename(ctx context.Context, oldName, newName string) error {
	return m.instrument(ctx, "rename", func(ctx context.Context) error {
		if oldName == newName {
			return fmt.Errorf("rename target must differ from source")
		}
		unlock := m.lockNames(oldName, newName)
		defer unlock()
		if err := withRetry(ctx, func() error { return m.docs.Rename(ctx, oldName, newName) }); err != nil {
			return err
		}
		var cohort domain.Cohort
		if err := withRetry(ctx, func() error {
			var readErr error
			cohort, readErr = m.docs.Read(ctx, newName)
			return readErr
		}); err != nil {
			m.rollbackRename(ctx, oldName, newName)
			return err
		}
		normalized, err := m.normalize(cohort)
		if err != nil {
			m.rollbackRename(ctx, oldName, newName)
			return err
		}
		if err := withRetry(ctx, func() error { return m.wh.UpsertCohort(ctx, normalized) }); err != nil {
			m.rollbackRename(ctx, oldName, newName)
			return err
		}
		_ = withRetry(ctx, func() error {
			dropErr := m.wh.DropCohort(ctx, oldName)
			if domain.IsNotFound(dropErr) {
				return nil
			}
			return dropErr
		})
		return nil
	})
}

func (m *Manager) rollbackRename(ctx context.Context, oldName, newName string) {
	_ = withRetry(ctx, func() error { return m.docs.Rename(ctx, newName, oldName) })
}

// Summarize reads manifest-level metadata and flags cohorts stamped at an
// older schema version as needing migration.
func (m *Manager) Summarize(ctx context.Context, name string) (domain.CohortSummary, error) {
	var out domain.CohortSummary
	err := m.instrument(ctx, "summarize", func(ctx context.Context) error {
		summary, err := m.docs.Summary(ctx, name)
		if err != nil {
			return err
		}
		summary.NeedsMigration = summary.SchemaVersion < m.reg.CurrentVersion()
		out = summary
		return nil
	})
	return out, err
}

// ListFilter narrows List results. Zero value matches everything.
type ListFilter struct {
	Tag        string
	NamePrefix string
}

// List enumerates cohort summaries from the document backend, sorted by
// name.
func (m *Manager) List(ctx context.Context, filter ListFilter) ([]domain.CohortSummary, error) {
	var out []domain.CohortSummary
	err := m.instrument(ctx, "list", func(ctx context.Context) error {
		summaries, err := m.docs.List(ctx)
		if err != nil {
			return err
		}
		current := m.reg.CurrentVersion()
		for _, s := range summaries {
			if filter.NamePrefix != "" && !strings.HasPrefix(s.Name, filter.NamePrefix) {
				continue
			}
			if filter.Tag != "" && !containsTag(s.Tags, filter.Tag) {
				continue
			}
			s.NeedsMigration = s.SchemaVersion < current
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Query runs a read-only SQL query against the analytical backend.
func (m *Manager) Query(ctx context.Context, query string, limit, offset int) (domain.QueryResult, error) {
	var out domain.QueryResult
	err := m.instrument(ctx, "query", func(ctx context.Context) error {
		res, err := m.wh.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// Export loads the cohort, projects it under the spec, and encodes the
// result. The cohort itself is never modified.
func (m *Manager) Export(ctx context.Context, name string, spec export.Spec, format export.Format) ([]export.Artifact, error) {
	var out []export.Artifact
	err := m.instrument(ctx, "export", func(ctx context.Context) error {
		cohort, err := m.Load(ctx, name)
		if err != nil {
			return err
		}
		result, err := export.Project(cohort, spec)
		if err != nil {
			return err
		}
		artifacts, err := export.Materialize(result, format)
		if err != nil {
			return err
		}
		out = artifacts
		return nil
	})
	return out, err
}

// ExportJSON streams the full cohort as one indented JSON document.
func (m *Manager) ExportJSON(ctx context.Context, name string, w io.Writer) error {
	return m.instrument(ctx, "export_json", func(ctx context.Context) error {
		cohort, err := m.Load(ctx, name)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(cohort)
	})
}

// ExportJSONFile writes the export atomically via a temp file and rename.
func (m *Manager) ExportJSONFile(ctx context.Context, name, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return err
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	if err := m.ExportJSON(ctx, name, tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ImportJSON reads a cohort exported by ExportJSON and persists it to
// both backends, replacing any cohort of the same name.
func (m *Manager) ImportJSON(ctx context.Context, r io.Reader) (domain.Cohort, error) {
	var out domain.Cohort
	err := m.instrument(ctx, "import_json", func(ctx context.Context) error {
		var cohort domain.Cohort
		if err := json.NewDecoder(r).Decode(&cohort); err != nil {
			return fmt.Errorf("decode cohort export: %w", err)
		}
		if cohort.Name == "" {
			return fmt.Errorf("cohort export is missing a name")
		}
		normalized, err := m.normalize(cohort)
		if err != nil {
			return err
		}
		unlock := m.lockNames(normalized.Name)
		defer unlock()
		if normalized.ID == "" {
			normalized.ID = uuid.NewString()
		}
		normalized.UpdatedAt = m.clock()
		if normalized.CreatedAt.IsZero() {
			normalized.CreatedAt = normalized.UpdatedAt
		}
		if err := m.save(ctx, normalized); err != nil {
			return err
		}
		out = normalized
		return nil
	})
	return out, err
}
