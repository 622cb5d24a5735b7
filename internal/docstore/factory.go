package docstore

import (
	"context"
	"fmt"
	"os"
	"strings"

	"healthsim/pkg/domain"
)

// OpenFromEnv selects the document store driver from the process
// environment:
//
//	HEALTHSIM_DOCSTORE_DRIVER=fs|s3|memory (default fs)
//	HEALTHSIM_STORAGE_ROOT=<dir>           (fs driver, default ./healthsim-data)
func OpenFromEnv(ctx context.Context) (domain.DocumentStore, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("HEALTHSIM_DOCSTORE_DRIVER")))
	switch driver {
	case "", "fs":
		root := os.Getenv("HEALTHSIM_STORAGE_ROOT")
		if root == "" {
			root = "healthsim-data"
		}
		return NewFS(root)
	case "s3":
		return OpenS3FromEnv(ctx)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown document store driver %q", driver)
	}
}
