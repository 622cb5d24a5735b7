// Package domain defines the canonical entity, cohort, and reference types
// shared by every persistence backend, together with the error taxonomy and
// the backend contracts they implement.
package domain

import (
	"sort"
	"time"
)

// EntityType identifies one canonical logical table, e.g. "patients" or
// "claim_lines". The full set of types is configuration owned by the schema
// registry, not code.
type EntityType string

// Backend names a persistence backend for source attribution and targeted
// save/delete operations.
type Backend string

// Supported backend identifiers.
const (
	// BackendDocument is the human-readable document store (one JSON file
	// per entity type under a per-cohort container).
	BackendDocument Backend = "document"
	// BackendAnalytical is the relational warehouse (one table per entity
	// type, cohort-identifying column on every row).
	BackendAnalytical Backend = "analytical"
)

// Reference is a foreign reference to another EntityRecord by (type, id).
// External references point outside the owning cohort and are exempt from
// cohort-level referential checks.
type Reference struct {
	Type     EntityType `json:"type"`
	ID       string     `json:"id"`
	External bool       `json:"external,omitempty"`
}

// Provenance records which source cohort contributed a record. It is
// populated by merge when a later cohort's record replaces an earlier one.
type Provenance struct {
	SourceCohort string `json:"source_cohort"`
}

// EntityRecord is a single domain object: an identifier unique within its
// entity type, a type tag, a field mapping, and foreign references.
// Records are immutable once persisted in a cohort version; an update
// produces a new revision rather than mutating in place.
type EntityRecord struct {
	ID         string         `json:"id"`
	Type       EntityType     `json:"type"`
	Fields     map[string]any `json:"fields"`
	References []Reference    `json:"references,omitempty"`
	Revision   int            `json:"revision"`
	Provenance *Provenance    `json:"provenance,omitempty"`
}

// Clone returns a deep copy of the record.
func (r EntityRecord) Clone() EntityRecord {
	cp := r
	if r.Fields != nil {
		cp.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	cp.References = append([]Reference(nil), r.References...)
	if r.Provenance != nil {
		prov := *r.Provenance
		cp.Provenance = &prov
	}
	return cp
}

// Cohort is a named, versioned bundle of entity records grouped by type.
type Cohort struct {
	ID            string                        `json:"id"`
	Name          string                        `json:"name"`
	Tags          []string                      `json:"tags,omitempty"`
	CreatedAt     time.Time                     `json:"created_at"`
	UpdatedAt     time.Time                     `json:"updated_at"`
	SchemaVersion int                           `json:"schema_version"`
	Source        Backend                       `json:"source,omitempty"`
	Entities      map[EntityType][]EntityRecord `json:"entities"`
}

// Clone returns a deep copy of the cohort, including every entity record.
func (c Cohort) Clone() Cohort {
	cp := c
	cp.Tags = append([]string(nil), c.Tags...)
	if c.Entities != nil {
		cp.Entities = make(map[EntityType][]EntityRecord, len(c.Entities))
		for t, records := range c.Entities {
			cloned := make([]EntityRecord, len(records))
			for i, r := range records {
				cloned[i] = r.Clone()
			}
			cp.Entities[t] = cloned
		}
	}
	return cp
}

// Counts returns the number of records per entity type.
func (c Cohort) Counts() map[EntityType]int {
	counts := make(map[EntityType]int, len(c.Entities))
	for t, records := range c.Entities {
		counts[t] = len(records)
	}
	return counts
}

// Find locates a record by (type, id) within the cohort.
func (c Cohort) Find(t EntityType, id string) (EntityRecord, bool) {
	for _, r := range c.Entities[t] {
		if r.ID == id {
			return r.Clone(), true
		}
	}
	return EntityRecord{}, false
}

// HasTag reports whether the cohort carries the given tag.
func (c Cohort) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Types returns the cohort's entity types in sorted order for deterministic
// iteration in serializers and exporters.
func (c Cohort) Types() []EntityType {
	out := make([]EntityType, 0, len(c.Entities))
	for t := range c.Entities {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Summary derives the manifest-level view of the cohort.
func (c Cohort) Summary() CohortSummary {
	return CohortSummary{
		Name:          c.Name,
		Tags:          append([]string(nil), c.Tags...),
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		SchemaVersion: c.SchemaVersion,
		EntityCounts:  c.Counts(),
		Source:        c.Source,
	}
}

// CohortSummary is the manifest-level view of a cohort: enough to list and
// inspect without loading entity data.
type CohortSummary struct {
	Name           string             `json:"name"`
	Tags           []string           `json:"tags,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	SchemaVersion  int                `json:"schema_version"`
	EntityCounts   map[EntityType]int `json:"entity_counts,omitempty"`
	NeedsMigration bool               `json:"needs_migration,omitempty"`
	Source         Backend            `json:"source,omitempty"`
}

// TotalEntities sums the per-type counts.
func (s CohortSummary) TotalEntities() int {
	total := 0
	for _, n := range s.EntityCounts {
		total += n
	}
	return total
}

// NormalizeTags sorts and deduplicates a tag list. Tag operations are
// idempotent, so persisted tag sets are always in this form.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
