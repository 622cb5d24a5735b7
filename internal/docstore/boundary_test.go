package docstore

import (
	"testing"

	"healthsim/testutil"
)

func TestDocumentDriversStayBelowManager(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.ManagerImportForbidden,
		"document drivers depend on pkg/domain contracts only")
}
