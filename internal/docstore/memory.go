package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"healthsim/pkg/domain"
)

// MemoryStore is an in-process document store for tests and ephemeral
// runs. It honors the same semantics as the durable drivers, including
// NotFound on absent cohorts.
type MemoryStore struct {
	mu      sync.RWMutex
	cohorts map[string]domain.Cohort
}

func NewMemory() *MemoryStore {
	return &MemoryStore{cohorts: make(map[string]domain.Cohort)}
}

func (s *MemoryStore) Write(ctx context.Context, cohort domain.Cohort) (string, error) {
	if err := validateName(cohort.Name); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cohorts[cohort.Name] = cohort.Clone()
	return "memory://" + cohort.Name, nil
}

func (s *MemoryStore) Read(ctx context.Context, name string) (domain.Cohort, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cohort, ok := s.cohorts[name]
	if !ok {
		return domain.Cohort{}, &domain.NotFoundError{Name: name, Backend: domain.BackendDocument}
	}
	return cohort.Clone(), nil
}

func (s *MemoryStore) Summary(ctx context.Context, name string) (domain.CohortSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cohort, ok := s.cohorts[name]
	if !ok {
		return domain.CohortSummary{}, &domain.NotFoundError{Name: name, Backend: domain.BackendDocument}
	}
	return cohort.Summary(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]domain.CohortSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summaries := make([]domain.CohortSummary, 0, len(s.cohorts))
	for _, cohort := range s.cohorts {
		summaries = append(summaries, cohort.Summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cohorts[name]; !ok {
		return &domain.NotFoundError{Name: name, Backend: domain.BackendDocument}
	}
	delete(s.cohorts, name)
	return nil
}

func (s *MemoryStore) Rename(ctx context.Context, oldName, newName string) error {
	if err := validateName(newName); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cohort, ok := s.cohorts[oldName]
	if !ok {
		return &domain.NotFoundError{Name: oldName, Backend: domain.BackendDocument}
	}
	if _, exists := s.cohorts[newName]; exists {
		return fmt.Errorf("cohort %s already exists", newName)
	}
	cohort.Name = newName
	s.cohorts[newName] = cohort
	delete(s.cohorts, oldName)
	return nil
}

func (s *MemoryStore) Retag(ctx context.Context, name string, tags []string, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cohort, ok := s.cohorts[name]
	if !ok {
		return &domain.NotFoundError{Name: name, Backend: domain.BackendDocument}
	}
	cohort.Tags = domain.NormalizeTags(tags)
	cohort.UpdatedAt = updatedAt
	s.cohorts[name] = cohort
	return nil
}

var _ domain.DocumentStore = (*MemoryStore)(nil)
