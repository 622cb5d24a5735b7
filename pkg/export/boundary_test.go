package export

import (
	"testing"

	"healthsim/testutil"
)

func TestExportStaysAboveInternals(t *testing.T) {
	testutil.AssertNoDirectImports(t, ".", testutil.InternalImportForbidden,
		"the export API must be importable without the engine internals")
}
