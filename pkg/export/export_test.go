package export

import (
	"encoding/json"
	"strings"
	"testing"

	"healthsim/pkg/domain"
)

func exportCohort() domain.Cohort {
	return domain.Cohort{
		Name: "demo",
		Entities: map[domain.EntityType][]domain.EntityRecord{
			"members": {
				{ID: "M1", Type: "members", Fields: map[string]any{"name": "Alice"}},
				{ID: "M2", Type: "members", Fields: map[string]any{"name": "Bob"}, Provenance: &domain.Provenance{SourceCohort: "other"}, Revision: 1},
			},
			"claims": {
				{
					ID:   "C2",
					Type: "claims",
					Fields: map[string]any{
						"amount":    float64(40),
						"member_id": "M1",
					},
					References: []domain.Reference{{Type: "members", ID: "M1"}},
				},
				{
					ID:   "C1",
					Type: "claims",
					Fields: map[string]any{
						"amount":    float64(100),
						"member_id": "M1",
					},
					References: []domain.Reference{{Type: "members", ID: "M1"}},
				},
			},
		},
	}
}

func findTable(t *testing.T, result Result, name string) Table {
	t.Helper()
	for _, table := range result.Tables {
		if table.Name == name {
			return table
		}
	}
	t.Fatalf("table %q not found in %+v", name, result.Tables)
	return Table{}
}

func TestProjectTabular(t *testing.T) {
	cohort := exportCohort()
	result, err := Project(cohort, Spec{Name: "flat", Kind: KindTabular})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if result.Cohort != "demo" {
		t.Fatalf("cohort = %q", result.Cohort)
	}
	if len(result.Tables) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(result.Tables))
	}

	members := findTable(t, result, "members")
	wantColumns := []string{"record_id", "revision", "source_cohort", "name"}
	if len(members.Columns) != len(wantColumns) {
		t.Fatalf("member columns = %v", members.Columns)
	}
	for i, col := range wantColumns {
		if members.Columns[i] != col {
			t.Fatalf("member columns = %v, want %v", members.Columns, wantColumns)
		}
	}
	if len(members.Rows) != 2 || members.Rows[0][0] != "M1" || members.Rows[1][0] != "M2" {
		t.Fatalf("member rows not sorted by id: %v", members.Rows)
	}
	if members.Rows[1][2] != "other" {
		t.Fatalf("expected provenance source for M2, got %v", members.Rows[1][2])
	}
	if members.Rows[0][2] != nil {
		t.Fatalf("expected nil source for M1, got %v", members.Rows[0][2])
	}

	claims := findTable(t, result, "claims")
	if len(claims.Rows) != 2 || claims.Rows[0][0] != "C1" {
		t.Fatalf("claim rows = %v", claims.Rows)
	}
}

func TestProjectTabularTypeFilter(t *testing.T) {
	result, err := Project(exportCohort(), Spec{
		Name:        "members-only",
		Kind:        KindTabular,
		EntityTypes: []domain.EntityType{"members"},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	if len(result.Tables) != 1 || result.Tables[0].Name != "members" {
		t.Fatalf("tables = %+v", result.Tables)
	}
}

func TestProjectDimensional(t *testing.T) {
	result, err := Project(exportCohort(), Spec{
		Name:       "star",
		Kind:       KindDimensional,
		Dimensions: []domain.EntityType{"members"},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}

	dim := findTable(t, result, "dim_members")
	if dim.Columns[0] != "members_key" {
		t.Fatalf("dim columns = %v", dim.Columns)
	}
	if len(dim.Rows) != 2 || dim.Rows[0][0] != "M1" {
		t.Fatalf("dim rows = %v", dim.Rows)
	}

	fact := findTable(t, result, "fact_claims")
	last := len(fact.Columns) - 1
	if fact.Columns[0] != "claims_key" || fact.Columns[last] != "members_key" {
		t.Fatalf("fact columns = %v", fact.Columns)
	}
	if len(fact.Rows) != 2 {
		t.Fatalf("fact rows = %v", fact.Rows)
	}
	for _, row := range fact.Rows {
		if row[last] != "M1" {
			t.Fatalf("expected member key M1 on every fact row, got %v", row)
		}
	}
}

func TestProjectDimensionalExpandsMultipleReferences(t *testing.T) {
	cohort := domain.Cohort{
		Name: "multi",
		Entities: map[domain.EntityType][]domain.EntityRecord{
			"members": {
				{ID: "M1", Type: "members", Fields: map[string]any{"name": "Alice"}},
				{ID: "M2", Type: "members", Fields: map[string]any{"name": "Bob"}},
			},
			"encounters": {
				{
					ID:     "E1",
					Type:   "encounters",
					Fields: map[string]any{"kind": "group"},
					References: []domain.Reference{
						{Type: "members", ID: "M1"},
						{Type: "members", ID: "M2"},
					},
				},
			},
		},
	}
	result, err := Project(cohort, Spec{
		Name:       "star",
		Kind:       KindDimensional,
		Dimensions: []domain.EntityType{"members"},
	})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	fact := findTable(t, result, "fact_encounters")
	if len(fact.Rows) != 2 {
		t.Fatalf("expected one fact row per referenced member, got %v", fact.Rows)
	}
	last := len(fact.Columns) - 1
	if fact.Rows[0][last] != "M1" || fact.Rows[1][last] != "M2" {
		t.Fatalf("fact keys = %v, %v", fact.Rows[0][last], fact.Rows[1][last])
	}
}

func TestProjectDoesNotMutateCohort(t *testing.T) {
	cohort := exportCohort()
	if _, err := Project(cohort, Spec{Name: "flat", Kind: KindTabular}); err != nil {
		t.Fatalf("project: %v", err)
	}
	claims := cohort.Entities["claims"]
	if claims[0].ID != "C2" || claims[1].ID != "C1" {
		t.Fatalf("projection reordered source records: %v, %v", claims[0].ID, claims[1].ID)
	}
}

func TestProjectRejectsUnknownKind(t *testing.T) {
	if _, err := Project(exportCohort(), Spec{Name: "bad", Kind: "snowflake"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestMaterializeCSV(t *testing.T) {
	result, err := Project(exportCohort(), Spec{Name: "flat", Kind: KindTabular})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	artifacts, err := Materialize(result, FormatCSV)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(artifacts) != 2 {
		t.Fatalf("expected one artifact per table, got %d", len(artifacts))
	}
	var members Artifact
	for _, artifact := range artifacts {
		if artifact.Name == "members" {
			members = artifact
		}
	}
	if members.ContentType != "text/csv" || members.Rows != 2 {
		t.Fatalf("members artifact = %+v", members)
	}
	lines := strings.Split(strings.TrimSpace(string(members.Payload)), "\n")
	if len(lines) != 3 {
		t.Fatalf("csv lines = %v", lines)
	}
	if lines[0] != "record_id,revision,source_cohort,name" {
		t.Fatalf("csv header = %q", lines[0])
	}
	if lines[1] != "M1,0,,Alice" {
		t.Fatalf("csv row = %q", lines[1])
	}
}

func TestMaterializeJSON(t *testing.T) {
	result, err := Project(exportCohort(), Spec{Name: "flat", Kind: KindTabular})
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	artifacts, err := Materialize(result, FormatJSON)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].ContentType != "application/json" {
		t.Fatalf("artifacts = %+v", artifacts)
	}
	var decoded Result
	if err := json.Unmarshal(artifacts[0].Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Cohort != "demo" || len(decoded.Tables) != 2 {
		t.Fatalf("decoded = %+v", decoded)
	}
	if artifacts[0].Rows != result.TotalRows() {
		t.Fatalf("rows = %d, want %d", artifacts[0].Rows, result.TotalRows())
	}
}

func TestMaterializeRejectsUnknownFormat(t *testing.T) {
	if _, err := Materialize(Result{}, "parquet"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestFormatValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{true, "true"},
		{float64(12.5), "12.5"},
		{float64(100), "100"},
		{42, "42"},
		{json.Number("7.25"), "7.25"},
		{[]any{"a", float64(2)}, "a;2"},
		{map[string]any{"b": float64(1), "a": "z"}, "a=z;b=1"},
	}
	for _, tc := range cases {
		if got := formatValue(tc.in); got != tc.want {
			t.Fatalf("formatValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
