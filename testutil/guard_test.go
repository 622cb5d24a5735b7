package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestManagerImportForbidden(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"healthsim/internal/state", true},
		{"healthsim/internal/state/sub", true},
		{"healthsim/internal/docstore", false},
		{"healthsim/pkg/domain", false},
	}
	for _, tc := range cases {
		if got := ManagerImportForbidden(tc.path); got != tc.want {
			t.Fatalf("ManagerImportForbidden(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestInternalImportForbidden(t *testing.T) {
	if !InternalImportForbidden("healthsim/internal/warehouse") {
		t.Fatal("expected internal path to match")
	}
	if InternalImportForbidden("healthsim/pkg/export") {
		t.Fatal("expected pkg path not to match")
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	src := `package demo

import (
	"fmt"

	"healthsim/internal/state"
)

var _ = fmt.Sprint(state.ListFilter{})
`
	if err := os.WriteFile(filepath.Join(dir, "demo.go"), []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Test files are exempt from the boundary.
	if err := os.WriteFile(filepath.Join(dir, "demo_test.go"), []byte(src), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	viols, err := directImportViolations(dir, ManagerImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || !strings.Contains(viols[0], "demo.go") {
		t.Fatalf("violations = %v", viols)
	}

	viols, err = directImportViolations(dir, func(string) bool { return false })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 0 {
		t.Fatalf("expected no violations, got %v", viols)
	}
}

func TestAssertNoTransitiveDependencyParsesListOutput(t *testing.T) {
	old := goListDeps
	goListDeps = func(pattern string) ([]byte, error) {
		return []byte("fmt\nhealthsim/pkg/domain\n"), nil
	}
	defer func() { goListDeps = old }()

	AssertNoTransitiveDependency(t, "./...", ManagerImportForbidden, "drivers stay below the manager")
}
