package warehouse

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"healthsim/pkg/domain"
)

// ErrQueryUnsupported is returned by backends that cannot execute ad hoc
// SQL. Callers needing Query must run the SQLite or Postgres driver.
var ErrQueryUnsupported = errors.New("warehouse: ad hoc queries unsupported by this driver")

// MemoryWarehouse holds cohort rows in process memory. It enforces the
// same referential checks and all-or-nothing upsert semantics as the SQL
// drivers, which makes it the fault-injection point for manager tests.
type MemoryWarehouse struct {
	mu      sync.RWMutex
	cohorts map[string]domain.Cohort

	// FailUpserts makes the next N UpsertCohort calls fail with an
	// IOError. Test hook for retry and rollback paths.
	FailUpserts int
}

func NewMemory() *MemoryWarehouse {
	return &MemoryWarehouse{cohorts: make(map[string]domain.Cohort)}
}

func (w *MemoryWarehouse) UpsertCohort(ctx context.Context, cohort domain.Cohort) error {
	if err := checkReferences(cohort); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.FailUpserts > 0 {
		w.FailUpserts--
		return &domain.IOError{Op: "upsert", Backend: domain.BackendAnalytical, Err: errors.New("injected failure")}
	}
	w.cohorts[cohort.Name] = cohort.Clone()
	return nil
}

func (w *MemoryWarehouse) Query(ctx context.Context, sql string, limit, offset int) (domain.QueryResult, error) {
	return domain.QueryResult{}, ErrQueryUnsupported
}

func (w *MemoryWarehouse) DropCohort(ctx context.Context, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cohorts[name]; !ok {
		return &domain.NotFoundError{Name: name, Backend: domain.BackendAnalytical}
	}
	delete(w.cohorts, name)
	return nil
}

func (w *MemoryWarehouse) ListCohorts(ctx context.Context) ([]domain.CohortSummary, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	summaries := make([]domain.CohortSummary, 0, len(w.cohorts))
	for _, cohort := range w.cohorts {
		summaries = append(summaries, cohort.Summary())
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
	return summaries, nil
}

func (w *MemoryWarehouse) RetagCohort(ctx context.Context, name string, tags []string, updatedAt time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cohort, ok := w.cohorts[name]
	if !ok {
		return &domain.NotFoundError{Name: name, Backend: domain.BackendAnalytical}
	}
	cohort.Tags = domain.NormalizeTags(tags)
	cohort.UpdatedAt = updatedAt
	w.cohorts[name] = cohort
	return nil
}

// Cohort returns the stored copy of a cohort. Test hook.
func (w *MemoryWarehouse) Cohort(name string) (domain.Cohort, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cohort, ok := w.cohorts[name]
	if !ok {
		return domain.Cohort{}, false
	}
	return cohort.Clone(), true
}

var _ domain.Warehouse = (*MemoryWarehouse)(nil)
