package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSchemaFile(t *testing.T, content string) string {
	t.Helper()
	tmp, err := os.CreateTemp(".", "schema-*.yaml")
	if err != nil {
		t.Fatalf("create temp: %v", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := tmp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	t.Cleanup(func() { _ = os.Remove(tmp.Name()) })
	return filepath.Base(tmp.Name())
}

func TestRunEmbeddedSchema(t *testing.T) {
	if err := run(""); err != nil {
		t.Fatalf("embedded schema check failed: %v", err)
	}
}

func TestRunValidSchemaFile(t *testing.T) {
	path := writeSchemaFile(t, strings.Join([]string{
		"version: 1",
		"domains:",
		"  - name: clinical",
		"    tables:",
		"      - name: members",
		"        fields:",
		"          - name: id",
		"            type: string",
		"            required: true",
		"      - name: claims",
		"        fields:",
		"          - name: id",
		"            type: string",
		"            required: true",
		"          - name: member_id",
		"            type: reference",
		"            required: true",
		"            targets: [members]",
		"",
	}, "\n"))
	if err := run(path); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunRejectsBrokenSchemas(t *testing.T) {
	cases := []struct {
		name       string
		content    string
		wantSubstr string
	}{
		{
			"missing-version",
			"domains:\n  - name: x\n    tables:\n      - name: t\n        fields:\n          - name: id\n            type: string\n",
			"version",
		},
		{
			"unknown-field-type",
			"version: 1\ndomains:\n  - name: x\n    tables:\n      - name: t\n        fields:\n          - name: id\n            type: blob\n",
			"unknown type",
		},
		{
			"dangling-reference-target",
			"version: 1\ndomains:\n  - name: x\n    tables:\n      - name: t\n        fields:\n          - name: other\n            type: reference\n            targets: [ghosts]\n",
			"undeclared table",
		},
		{
			"no-tables",
			"version: 1\ndomains: []\n",
			"no tables",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeSchemaFile(t, tc.content)
			err := run(path)
			if err == nil {
				t.Fatalf("expected error for %s", tc.name)
			}
			if !strings.Contains(err.Error(), tc.wantSubstr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantSubstr, err)
			}
		})
	}
}

func TestRunMissingFile(t *testing.T) {
	if err := run("does-not-exist.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidatePath(t *testing.T) {
	if _, err := validatePath(""); err == nil || !strings.Contains(err.Error(), "empty path") {
		t.Fatalf("expected empty path error, got %v", err)
	}
	if _, err := validatePath("/abs/schema.yaml"); err == nil || !strings.Contains(err.Error(), "absolute paths") {
		t.Fatalf("expected absolute path error, got %v", err)
	}
	if _, err := validatePath("../escape.yaml"); err == nil {
		t.Fatal("expected traversal error")
	}
	if p, err := validatePath("configs/schema.yaml"); err != nil || p != filepath.Join("configs", "schema.yaml") {
		t.Fatalf("expected clean path, got %q err %v", p, err)
	}
}

func TestMainExitCodes(t *testing.T) {
	var codes []int
	old := exitFunc
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc = old }()

	os.Args = []string{"schema-check"}
	main()
	os.Args = []string{"schema-check", "-schema", "does-not-exist.yaml"}
	main()

	if len(codes) != 2 || codes[0] != 0 || codes[1] == 0 {
		t.Fatalf("unexpected exit codes: %v", codes)
	}
}
