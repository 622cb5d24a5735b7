package schema

import (
	"strings"
	"testing"

	"healthsim/pkg/domain"
)

func TestLoadRejectsBrokenDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "missing version",
			doc: `domains:
  - name: core
    tables:
      - name: members
        fields:
          - name: id
            type: string
            required: true
`,
			want: "version",
		},
		{
			name: "empty domain name",
			doc: `version: 1
domains:
  - name: ""
    tables:
      - name: members
        fields:
          - name: id
            type: string
`,
			want: "empty name",
		},
		{
			name: "no tables",
			doc: `version: 1
domains:
  - name: core
    tables: []
`,
			want: "no tables",
		},
		{
			name: "dangling reference target",
			doc: `version: 1
domains:
  - name: core
    tables:
      - name: claims
        fields:
          - name: claim_id
            type: string
            required: true
          - name: member_id
            type: reference
            targets: [members]
`,
			want: "undeclared table",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.want)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadForwardReference(t *testing.T) {
	doc := `version: 1
domains:
  - name: core
    tables:
      - name: claims
        fields:
          - name: claim_id
            type: string
            required: true
          - name: member_id
            type: reference
            targets: [members]
      - name: members
        fields:
          - name: id
            type: string
            required: true
`
	r, err := Load([]byte(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(r.Types()) != 2 {
		t.Fatalf("expected 2 tables, got %d", len(r.Types()))
	}
}

func TestCanonicalLoads(t *testing.T) {
	r, err := Canonical()
	if err != nil {
		t.Fatalf("Canonical: %v", err)
	}
	types := r.Types()
	if len(types) != 41 {
		t.Fatalf("expected 41 canonical tables, got %d", len(types))
	}
	if r.CurrentVersion() != 1 {
		t.Fatalf("expected canonical version 1, got %d", r.CurrentVersion())
	}
}

func TestCanonicalReferenceTargetsDeclared(t *testing.T) {
	r := MustCanonical()
	declared := make(map[domain.EntityType]struct{})
	for _, typ := range r.Types() {
		declared[typ] = struct{}{}
	}
	for _, typ := range r.Types() {
		def, ok := r.Definition(typ)
		if !ok {
			t.Fatalf("missing definition for %s", typ)
		}
		for _, f := range def.ReferenceFields() {
			for _, target := range f.Targets {
				if _, ok := declared[target]; !ok {
					t.Errorf("%s.%s references undeclared type %s", typ, f.Name, target)
				}
			}
		}
	}
}

func TestCanonicalValidatesSampleRecords(t *testing.T) {
	r := MustCanonical()
	member := domain.EntityRecord{
		ID:   "M1",
		Type: "members",
		Fields: map[string]any{
			"id":          "M1",
			"given_name":  "Alice",
			"family_name": "Nguyen",
		},
	}
	if err := r.Validate(member, "members", 1); err != nil {
		t.Fatalf("member rejected: %v", err)
	}
	claim := domain.EntityRecord{
		ID:   "C1",
		Type: "claims",
		Fields: map[string]any{
			"claim_id":     "C1",
			"member_id":    "M1",
			"total_amount": 100.0,
			"service_date": "2025-06-01",
		},
	}
	if err := r.Validate(claim, "claims", 1); err != nil {
		t.Fatalf("claim rejected: %v", err)
	}
	refs, err := r.References(claim, "claims", 1)
	if err != nil {
		t.Fatalf("references: %v", err)
	}
	if len(refs) != 1 || refs[0].Type != "members" {
		t.Fatalf("expected derived member reference, got %+v", refs)
	}
}
