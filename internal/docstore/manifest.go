// Package docstore implements the document-oriented persistence layer.
// Each cohort lives in its own container holding one JSON file per entity
// type plus a manifest describing the container. The manifest is always
// written last so an interrupted save never produces a readable container
// with partial contents.
package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"healthsim/pkg/domain"
)

// manifestFile is the container commit point. A container without a
// readable manifest is treated as absent.
const manifestFile = "manifest.json"

// Manifest captures everything a listing needs without opening the
// per-type entity files.
type Manifest struct {
	ID            string                    `json:"id"`
	Name          string                    `json:"name"`
	Tags          []string                  `json:"tags,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
	SchemaVersion int                       `json:"schema_version"`
	Source        domain.Backend            `json:"source,omitempty"`
	EntityCounts  map[domain.EntityType]int `json:"entity_counts"`
}

func manifestFor(cohort domain.Cohort) Manifest {
	return Manifest{
		ID:            cohort.ID,
		Name:          cohort.Name,
		Tags:          domain.NormalizeTags(cohort.Tags),
		CreatedAt:     cohort.CreatedAt.UTC(),
		UpdatedAt:     cohort.UpdatedAt.UTC(),
		SchemaVersion: cohort.SchemaVersion,
		Source:        cohort.Source,
		EntityCounts:  cohort.Counts(),
	}
}

func (m Manifest) summary() domain.CohortSummary {
	return domain.CohortSummary{
		Name:          m.Name,
		Tags:          append([]string(nil), m.Tags...),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		SchemaVersion: m.SchemaVersion,
		Source:        m.Source,
		EntityCounts:  cloneCounts(m.EntityCounts),
	}
}

func cloneCounts(counts map[domain.EntityType]int) map[domain.EntityType]int {
	if counts == nil {
		return map[domain.EntityType]int{}
	}
	out := make(map[domain.EntityType]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func encodeManifest(m Manifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Name == "" {
		return Manifest{}, fmt.Errorf("decode manifest: missing name")
	}
	return m, nil
}

// entityFileName maps an entity type to its container file.
func entityFileName(entityType domain.EntityType) string {
	return string(entityType) + ".json"
}

// encodeEntities serializes one entity type's records with stable
// ordering so repeated saves of the same cohort produce identical bytes.
func encodeEntities(records []domain.EntityRecord) ([]byte, error) {
	sorted := make([]domain.EntityRecord, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(sorted); err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeEntities(entityType domain.EntityType, data []byte) ([]domain.EntityRecord, error) {
	var records []domain.EntityRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s entities: %w", entityType, err)
	}
	for i := range records {
		if records[i].Type == "" {
			records[i].Type = entityType
		}
	}
	return records, nil
}

// cohortFromParts rebuilds a cohort from a manifest and its entity files.
func cohortFromParts(m Manifest, entities map[domain.EntityType][]domain.EntityRecord) domain.Cohort {
	return domain.Cohort{
		ID:            m.ID,
		Name:          m.Name,
		Tags:          append([]string(nil), m.Tags...),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		SchemaVersion: m.SchemaVersion,
		Source:        m.Source,
		Entities:      entities,
	}
}

// validateName rejects cohort names that cannot serve as container
// identifiers on any supported backend.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("cohort name must not be empty")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return fmt.Errorf("cohort name %q contains unsupported character %q", name, r)
		}
	}
	if name[0] == '.' {
		return fmt.Errorf("cohort name %q must not start with a dot", name)
	}
	return nil
}

func sortSummaries(summaries []domain.CohortSummary) {
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })
}
