package docstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"healthsim/pkg/domain"
)

// stagingDir holds in-flight container writes. Containers under it are
// invisible to Read and List until the final rename.
const stagingDir = ".staging"

// lockPollInterval bounds how often a blocked writer re-attempts the
// container lock.
const lockPollInterval = 25 * time.Millisecond

// FSStore keeps each cohort in its own directory under root. Writes are
// staged in a sibling directory and swapped into place with rename so a
// crash mid-save leaves either the old container or the new one, never a
// mixture. A flock file per container serializes writers across
// processes.
type FSStore struct {
	root string
}

// NewFS initializes the storage root, creating it when absent.
func NewFS(root string) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("docstore: root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("docstore: resolve root: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, stagingDir), 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create root: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// Root reports the absolute storage root.
func (s *FSStore) Root() string { return s.root }

func (s *FSStore) containerDir(name string) string {
	return filepath.Join(s.root, name)
}

func (s *FSStore) lockPath(name string) string {
	return filepath.Join(s.root, stagingDir, name+".lock")
}

func (s *FSStore) lock(ctx context.Context, name string) (*flock.Flock, error) {
	fl := flock.New(s.lockPath(name))
	ok, err := fl.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		return nil, &domain.IOError{Op: "lock", Backend: domain.BackendDocument, Err: err}
	}
	if !ok {
		return nil, &domain.IOError{Op: "lock", Backend: domain.BackendDocument, Err: fmt.Errorf("container %s is locked", name)}
	}
	return fl, nil
}

// rlock takes the container lock shared. Readers hold it across the
// manifest and entity reads so they never observe a swap in flight.
func (s *FSStore) rlock(ctx context.Context, name string) (*flock.Flock, error) {
	fl := flock.New(s.lockPath(name))
	ok, err := fl.TryRLockContext(ctx, lockPollInterval)
	if err != nil {
		return nil, &domain.IOError{Op: "lock", Backend: domain.BackendDocument, Err: err}
	}
	if !ok {
		return nil, &domain.IOError{Op: "lock", Backend: domain.BackendDocument, Err: fmt.Errorf("container %s is locked", name)}
	}
	return fl, nil
}

// Write replaces the cohort's container atomically and returns the
// container path.
func (s *FSStore) Write(ctx context.Context, cohort domain.Cohort) (string, error) {
	if err := validateName(cohort.Name); err != nil {
		return "", err
	}
	fl, err := s.lock(ctx, cohort.Name)
	if err != nil {
		return "", err
	}
	defer fl.Unlock()

	staging, err := s.stageContainer(cohort)
	if err != nil {
		return "", err
	}
	defer os.RemoveAll(staging)

	final := s.containerDir(cohort.Name)
	if err := s.swap(staging, final); err != nil {
		return "", &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
	}
	return final, nil
}

// stageContainer materializes the full container under the staging
// directory, manifest last.
func (s *FSStore) stageContainer(cohort domain.Cohort) (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
	}
	staging := filepath.Join(s.root, stagingDir, cohort.Name+"-"+hex.EncodeToString(suffix))
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
	}
	for entityType, records := range cohort.Entities {
		if len(records) == 0 {
			continue
		}
		data, err := encodeEntities(records)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(staging, entityFileName(entityType)), data, 0o644); err != nil {
			os.RemoveAll(staging)
			return "", &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
		}
	}
	data, err := encodeManifest(manifestFor(cohort))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(staging, manifestFile), data, 0o644); err != nil {
		os.RemoveAll(staging)
		return "", &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
	}
	return staging, nil
}

// swap moves the staged container into place. The previous container, if
// any, is parked under staging first so the destination slot is free for
// the rename; it is removed once the new container is live.
func (s *FSStore) swap(staging, final string) error {
	old := staging + ".old"
	hadOld := false
	if _, err := os.Stat(final); err == nil {
		if err := os.Rename(final, old); err != nil {
			return err
		}
		hadOld = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		if hadOld {
			os.Rename(old, final)
		}
		return err
	}
	if hadOld {
		os.RemoveAll(old)
	}
	return nil
}

// Read loads the full cohort named by name. The container lock is held
// shared so a concurrent swap never yields a manifest from one version
// and entity files from another.
func (s *FSStore) Read(ctx context.Context, name string) (domain.Cohort, error) {
	if err := validateName(name); err != nil {
		return domain.Cohort{}, err
	}
	fl, err := s.rlock(ctx, name)
	if err != nil {
		return domain.Cohort{}, err
	}
	defer fl.Unlock()

	m, err := s.readManifest(name)
	if err != nil {
		return domain.Cohort{}, err
	}
	dir := s.containerDir(name)
	entities := make(map[domain.EntityType][]domain.EntityRecord)
	for entityType, count := range m.EntityCounts {
		data, err := os.ReadFile(filepath.Join(dir, entityFileName(entityType)))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				if count == 0 {
					continue
				}
				return domain.Cohort{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument,
					Err: fmt.Errorf("container %s: manifest records %d %s entities but the file is missing", name, count, entityType)}
			}
			return domain.Cohort{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
		}
		records, err := decodeEntities(entityType, data)
		if err != nil {
			return domain.Cohort{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
		}
		entities[entityType] = records
	}
	return cohortFromParts(m, entities), nil
}

func (s *FSStore) readManifest(name string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.containerDir(name), manifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, &domain.NotFoundError{Name: name, Backend: domain.BackendDocument}
		}
		return Manifest{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
	}
	m, err := decodeManifest(data)
	if err != nil {
		return Manifest{}, &domain.IOError{Op: "read", Backend: domain.BackendDocument, Err: err}
	}
	return m, nil
}

// Summary reads only the manifest.
func (s *FSStore) Summary(ctx context.Context, name string) (domain.CohortSummary, error) {
	if err := validateName(name); err != nil {
		return domain.CohortSummary{}, err
	}
	fl, err := s.rlock(ctx, name)
	if err != nil {
		return domain.CohortSummary{}, err
	}
	defer fl.Unlock()
	m, err := s.readManifest(name)
	if err != nil {
		return domain.CohortSummary{}, err
	}
	return m.summary(), nil
}

// List enumerates readable containers sorted by name. Directories
// without a valid manifest, including in-flight staging, are skipped.
func (s *FSStore) List(ctx context.Context) ([]domain.CohortSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, &domain.IOError{Op: "list", Backend: domain.BackendDocument, Err: err}
	}
	var summaries []domain.CohortSummary
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		m, err := s.readManifest(entry.Name())
		if err != nil {
			continue
		}
		summaries = append(summaries, m.summary())
	}
	sortSummaries(summaries)
	return summaries, nil
}

// Delete removes the container. Deleting an absent cohort reports
// NotFound.
func (s *FSStore) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	fl, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	if _, err := s.readManifest(name); err != nil {
		return err
	}
	if err := os.RemoveAll(s.containerDir(name)); err != nil {
		return &domain.IOError{Op: "delete", Backend: domain.BackendDocument, Err: err}
	}
	os.Remove(s.lockPath(name))
	return nil
}

// Rename moves the container to a new name and rewrites its manifest.
func (s *FSStore) Rename(ctx context.Context, oldName, newName string) error {
	if err := validateName(oldName); err != nil {
		return err
	}
	if err := validateName(newName); err != nil {
		return err
	}
	flOld, err := s.lock(ctx, oldName)
	if err != nil {
		return err
	}
	defer flOld.Unlock()
	flNew, err := s.lock(ctx, newName)
	if err != nil {
		return err
	}
	defer flNew.Unlock()

	m, err := s.readManifest(oldName)
	if err != nil {
		return err
	}
	if _, err := s.readManifest(newName); err == nil {
		return fmt.Errorf("cohort %s already exists", newName)
	} else if !domain.IsNotFound(err) {
		return err
	}
	if err := os.Rename(s.containerDir(oldName), s.containerDir(newName)); err != nil {
		return &domain.IOError{Op: "rename", Backend: domain.BackendDocument, Err: err}
	}
	m.Name = newName
	return s.rewriteManifest(newName, m)
}

// Retag rewrites only the manifest. Entity files are neither read nor
// validated, so a cohort stamped at an older schema version can still be
// tagged.
func (s *FSStore) Retag(ctx context.Context, name string, tags []string, updatedAt time.Time) error {
	if err := validateName(name); err != nil {
		return err
	}
	fl, err := s.lock(ctx, name)
	if err != nil {
		return err
	}
	defer fl.Unlock()
	m, err := s.readManifest(name)
	if err != nil {
		return err
	}
	m.Tags = domain.NormalizeTags(tags)
	m.UpdatedAt = updatedAt.UTC()
	return s.rewriteManifest(name, m)
}

// rewriteManifest replaces a live container's manifest through a staged
// file and rename, never a partial write in place.
func (s *FSStore) rewriteManifest(name string, m Manifest) error {
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.root, stagingDir, name+".manifest")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
	}
	if err := os.Rename(tmp, filepath.Join(s.containerDir(name), manifestFile)); err != nil {
		os.Remove(tmp)
		return &domain.IOError{Op: "write", Backend: domain.BackendDocument, Err: err}
	}
	return nil
}

var _ domain.DocumentStore = (*FSStore)(nil)
