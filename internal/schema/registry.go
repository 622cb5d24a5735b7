// Package schema implements the registry of canonical entity-type
// definitions. Every persistence operation validates records against it,
// and versioned migration chains move records between schema versions.
package schema

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"healthsim/pkg/domain"
)

// FieldType enumerates the primitive types a schema field may declare.
type FieldType string

// Supported field types.
const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldDate      FieldType = "date"
	FieldEnum      FieldType = "enum"
	FieldReference FieldType = "reference"
)

// Field declares one field of an entity type: its primitive type, whether
// it is required, and (for enums and references) the permitted values or
// target entity types.
type Field struct {
	Name     string              `yaml:"name"`
	Type     FieldType           `yaml:"type"`
	Required bool                `yaml:"required,omitempty"`
	Enum     []string            `yaml:"enum,omitempty"`
	Targets  []domain.EntityType `yaml:"targets,omitempty"`
}

// Definition is the field set of one entity type at one schema version.
type Definition struct {
	Fields []Field
}

// Field looks up a declared field by name.
func (d Definition) Field(name string) (Field, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ReferenceFields returns the declared reference-typed fields.
func (d Definition) ReferenceFields() []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.Type == FieldReference {
			out = append(out, f)
		}
	}
	return out
}

// Migration transforms a record from one schema version to the next.
type Migration func(domain.EntityRecord) (domain.EntityRecord, error)

// Registry holds versioned entity-type definitions and the migration chains
// between versions. Definitions are additive: a version that drops a
// previously required field is rejected unless a migration for that step
// was registered first.
type Registry struct {
	mu         sync.RWMutex
	defs       map[domain.EntityType]map[int]Definition
	migrations map[domain.EntityType]map[int]Migration
	current    int
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		defs:       make(map[domain.EntityType]map[int]Definition),
		migrations: make(map[domain.EntityType]map[int]Migration),
	}
}

// Define registers the field set for an entity type at a schema version.
func (r *Registry) Define(entityType domain.EntityType, fields []Field, version int) error {
	if entityType == "" {
		return fmt.Errorf("define: entity type is empty")
	}
	if version < 1 {
		return fmt.Errorf("define %s: version must be >= 1, got %d", entityType, version)
	}
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("define %s v%d: field with empty name", entityType, version)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("define %s v%d: duplicate field %q", entityType, version, f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case FieldString, FieldNumber, FieldDate:
		case FieldEnum:
			if len(f.Enum) == 0 {
				return fmt.Errorf("define %s v%d: enum field %q has no values", entityType, version, f.Name)
			}
		case FieldReference:
			if len(f.Targets) == 0 {
				return fmt.Errorf("define %s v%d: reference field %q has no targets", entityType, version, f.Name)
			}
		default:
			return fmt.Errorf("define %s v%d: field %q has unknown type %q", entityType, version, f.Name, f.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, prevVersion, ok := r.definitionBefore(entityType, version); ok {
		for _, pf := range prev.Fields {
			if !pf.Required {
				continue
			}
			if _, still := fieldByName(fields, pf.Name); still {
				continue
			}
			if !r.migrationCoversLocked(entityType, prevVersion, version) {
				return fmt.Errorf("define %s v%d: drops required field %q from v%d without a registered migration",
					entityType, version, pf.Name, prevVersion)
			}
		}
	}

	if r.defs[entityType] == nil {
		r.defs[entityType] = make(map[int]Definition)
	}
	r.defs[entityType][version] = Definition{Fields: append([]Field(nil), fields...)}
	if version > r.current {
		r.current = version
	}
	return nil
}

// RegisterMigration installs the transform moving entityType records from
// fromVersion to fromVersion+1.
func (r *Registry) RegisterMigration(entityType domain.EntityType, fromVersion int, fn Migration) error {
	if fn == nil {
		return fmt.Errorf("register migration %s v%d: nil transform", entityType, fromVersion)
	}
	if fromVersion < 1 {
		return fmt.Errorf("register migration %s: version must be >= 1, got %d", entityType, fromVersion)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.migrations[entityType] == nil {
		r.migrations[entityType] = make(map[int]Migration)
	}
	r.migrations[entityType][fromVersion] = fn
	return nil
}

// CurrentVersion returns the highest version any definition was registered
// at. Zero means the registry is empty.
func (r *Registry) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Types returns every declared entity type, sorted.
func (r *Registry) Types() []domain.EntityType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.EntityType, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Definition resolves the entity type's definition at the registry's
// current version.
func (r *Registry) Definition(entityType domain.EntityType) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.definitionAtLocked(entityType, r.current)
}

// DefinitionAt resolves the definition in effect at the given version: the
// registered definition with the greatest version not exceeding it.
func (r *Registry) DefinitionAt(entityType domain.EntityType, version int) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.definitionAtLocked(entityType, version)
}

func (r *Registry) definitionAtLocked(entityType domain.EntityType, version int) (Definition, bool) {
	versions := r.defs[entityType]
	best := 0
	for v := range versions {
		if v <= version && v > best {
			best = v
		}
	}
	if best == 0 {
		return Definition{}, false
	}
	return versions[best], true
}

// definitionBefore returns the latest definition registered strictly below
// version. Caller holds the lock.
func (r *Registry) definitionBefore(entityType domain.EntityType, version int) (Definition, int, bool) {
	versions := r.defs[entityType]
	best := 0
	for v := range versions {
		if v < version && v > best {
			best = v
		}
	}
	if best == 0 {
		return Definition{}, 0, false
	}
	return versions[best], best, true
}

func (r *Registry) migrationCoversLocked(entityType domain.EntityType, from, to int) bool {
	for v := from; v < to; v++ {
		if r.migrations[entityType][v] == nil {
			return false
		}
	}
	return true
}

func fieldByName(fields []Field, name string) (Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Validate checks a record against the definition in effect at version:
// all required fields present, declared fields type-correct, and reference
// entries resolving to declared target types. Existence of referenced
// records is a cohort-level check, not a schema one.
func (r *Registry) Validate(rec domain.EntityRecord, entityType domain.EntityType, version int) error {
	if rec.Type != "" && rec.Type != entityType {
		return &domain.SchemaViolationError{
			EntityType: entityType, RecordID: rec.ID,
			Reason: fmt.Sprintf("record type %q does not match %q", rec.Type, entityType),
		}
	}
	def, ok := r.DefinitionAt(entityType, version)
	if !ok {
		return &domain.SchemaViolationError{
			EntityType: entityType, RecordID: rec.ID,
			Reason: fmt.Sprintf("entity type not declared at version %d", version),
		}
	}
	if rec.ID == "" {
		return &domain.SchemaViolationError{EntityType: entityType, Reason: "record has empty identifier"}
	}

	for _, f := range def.Fields {
		value, present := rec.Fields[f.Name]
		if !present || value == nil {
			if f.Required {
				return &domain.SchemaViolationError{
					EntityType: entityType, RecordID: rec.ID, Field: f.Name,
					Reason: "required field missing",
				}
			}
			continue
		}
		if err := checkFieldValue(f, value); err != nil {
			return &domain.SchemaViolationError{
				EntityType: entityType, RecordID: rec.ID, Field: f.Name, Reason: err.Error(),
			}
		}
	}

	validTargets := make(map[domain.EntityType]struct{})
	for _, f := range def.ReferenceFields() {
		for _, target := range f.Targets {
			validTargets[target] = struct{}{}
		}
	}
	for _, ref := range rec.References {
		if ref.ID == "" {
			return &domain.SchemaViolationError{
				EntityType: entityType, RecordID: rec.ID,
				Reason: fmt.Sprintf("reference to %s has empty identifier", ref.Type),
			}
		}
		if _, ok := validTargets[ref.Type]; !ok {
			return &domain.SchemaViolationError{
				EntityType: entityType, RecordID: rec.ID,
				Reason: fmt.Sprintf("reference target %q is not declared for this type", ref.Type),
			}
		}
	}
	return nil
}

// References derives the record's reference set from its reference-typed
// fields. Fields with a single declared target produce a Reference
// automatically; multi-target fields require an explicit entry on the
// record. Explicit entries (including external marks) are preserved.
func (r *Registry) References(rec domain.EntityRecord, entityType domain.EntityType, version int) ([]domain.Reference, error) {
	def, ok := r.DefinitionAt(entityType, version)
	if !ok {
		return nil, &domain.SchemaViolationError{
			EntityType: entityType, RecordID: rec.ID,
			Reason: fmt.Sprintf("entity type not declared at version %d", version),
		}
	}
	type refKey struct {
		t  domain.EntityType
		id string
	}
	seen := make(map[refKey]struct{})
	out := make([]domain.Reference, 0, len(rec.References))
	for _, ref := range rec.References {
		k := refKey{ref.Type, ref.ID}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ref)
	}
	for _, f := range def.ReferenceFields() {
		if len(f.Targets) != 1 {
			continue
		}
		value, present := rec.Fields[f.Name]
		if !present || value == nil {
			continue
		}
		id, isString := value.(string)
		if !isString || id == "" {
			continue
		}
		k := refKey{f.Targets[0], id}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, domain.Reference{Type: f.Targets[0], ID: id})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Migrate walks the record through every intermediate transform between the
// two versions in order. A step with no registered transform is an identity
// step when the type's definition did not change at that step, and a
// MigrationError otherwise. A failing transform aborts the whole migration
// and reports the step.
func (r *Registry) Migrate(rec domain.EntityRecord, entityType domain.EntityType, fromVersion, toVersion int) (domain.EntityRecord, error) {
	if fromVersion == toVersion {
		return rec, nil
	}
	if fromVersion > toVersion {
		return domain.EntityRecord{}, &domain.MigrationError{
			EntityType: entityType, RecordID: rec.ID,
			FromVersion: fromVersion, ToVersion: toVersion, FailedStep: toVersion,
			Err: fmt.Errorf("downgrade from v%d to v%d is not supported", fromVersion, toVersion),
		}
	}
	current := rec
	for v := fromVersion; v < toVersion; v++ {
		r.mu.RLock()
		fn := r.migrations[entityType][v]
		_, redefined := r.defs[entityType][v+1]
		r.mu.RUnlock()
		if fn == nil {
			if redefined {
				return domain.EntityRecord{}, &domain.MigrationError{
					EntityType: entityType, RecordID: rec.ID,
					FromVersion: fromVersion, ToVersion: toVersion, FailedStep: v,
				}
			}
			continue
		}
		next, err := fn(current.Clone())
		if err != nil {
			return domain.EntityRecord{}, &domain.MigrationError{
				EntityType: entityType, RecordID: rec.ID,
				FromVersion: fromVersion, ToVersion: toVersion, FailedStep: v, Err: err,
			}
		}
		current = next
	}
	return current, nil
}

func checkFieldValue(f Field, value any) error {
	switch f.Type {
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
	case FieldNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64, uint, uint32, uint64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case FieldDate:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected date string, got %T", value)
		}
		if !validDate(s) {
			return fmt.Errorf("invalid date %q", s)
		}
	case FieldEnum:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected enum string, got %T", value)
		}
		for _, allowed := range f.Enum {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %q not in enum %v", s, f.Enum)
	case FieldReference:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected reference identifier string, got %T", value)
		}
		if s == "" {
			return fmt.Errorf("reference identifier is empty")
		}
	}
	return nil
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"}

func validDate(s string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
