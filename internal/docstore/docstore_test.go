package docstore

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"healthsim/pkg/domain"
)

func sampleCohort(name string) domain.Cohort {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Cohort{
		ID:            "c-" + name,
		Name:          name,
		Tags:          []string{"baseline", "demo"},
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: 1,
		Entities: map[domain.EntityType][]domain.EntityRecord{
			"members": {
				{ID: "m-1", Type: "members", Fields: map[string]any{"id": "m-1", "given_name": "Ada", "family_name": "Nkosi"}},
				{ID: "m-2", Type: "members", Fields: map[string]any{"id": "m-2", "given_name": "Leo", "family_name": "Ito"}},
			},
			"claims": {
				{ID: "cl-1", Type: "claims", Fields: map[string]any{"claim_id": "cl-1", "member_id": "m-1", "total_amount": 120.5, "service_date": "2026-02-01"},
					References: []domain.Reference{{Type: "members", ID: "m-1"}}},
			},
		},
	}
}

func runStoreContract(t *testing.T, store domain.DocumentStore) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.Read(ctx, "absent"); !domain.IsNotFound(err) {
		t.Fatalf("expected NotFound reading absent cohort, got %v", err)
	}
	if err := store.Delete(ctx, "absent"); !domain.IsNotFound(err) {
		t.Fatalf("expected NotFound deleting absent cohort, got %v", err)
	}

	cohort := sampleCohort("demo")
	if _, err := store.Write(ctx, cohort); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := store.Read(ctx, "demo")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Name != "demo" || got.ID != "c-demo" || got.SchemaVersion != 1 {
		t.Fatalf("unexpected cohort header: %+v", got)
	}
	if len(got.Entities["members"]) != 2 || len(got.Entities["claims"]) != 1 {
		t.Fatalf("unexpected entity counts: %v", got.Counts())
	}
	if got.Entities["claims"][0].References[0].ID != "m-1" {
		t.Fatalf("references not round-tripped: %+v", got.Entities["claims"][0])
	}

	summary, err := store.Summary(ctx, "demo")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.EntityCounts["members"] != 2 || summary.TotalEntities() != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	// Retag rewrites the manifest only.
	retagAt := cohort.UpdatedAt.Add(30 * time.Minute)
	if err := store.Retag(ctx, "demo", []string{"gold", "demo", "gold"}, retagAt); err != nil {
		t.Fatalf("retag: %v", err)
	}
	summary, err = store.Summary(ctx, "demo")
	if err != nil {
		t.Fatalf("summary after retag: %v", err)
	}
	if !reflect.DeepEqual(summary.Tags, []string{"demo", "gold"}) {
		t.Fatalf("tags not normalized and persisted: %v", summary.Tags)
	}
	if !summary.UpdatedAt.Equal(retagAt) {
		t.Fatalf("updated_at not advanced by retag: %v", summary.UpdatedAt)
	}
	if summary.TotalEntities() != 3 {
		t.Fatalf("retag disturbed entity counts: %+v", summary.EntityCounts)
	}
	retagged, err := store.Read(ctx, "demo")
	if err != nil {
		t.Fatalf("read after retag: %v", err)
	}
	if len(retagged.Entities["members"]) != 2 || len(retagged.Entities["claims"]) != 1 {
		t.Fatalf("retag disturbed entity files: %v", retagged.Counts())
	}
	if err := store.Retag(ctx, "absent", []string{"x"}, retagAt); !domain.IsNotFound(err) {
		t.Fatalf("expected NotFound retagging absent cohort, got %v", err)
	}

	// Overwrite with fewer entity types; the removed type must not linger.
	smaller := cohort.Clone()
	delete(smaller.Entities, "claims")
	smaller.UpdatedAt = cohort.UpdatedAt.Add(time.Hour)
	if _, err := store.Write(ctx, smaller); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, err = store.Read(ctx, "demo")
	if err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if len(got.Entities["claims"]) != 0 {
		t.Fatalf("stale claims survived rewrite: %+v", got.Entities["claims"])
	}

	if _, err := store.Write(ctx, sampleCohort("alpha")); err != nil {
		t.Fatalf("write alpha: %v", err)
	}
	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 2 || summaries[0].Name != "alpha" || summaries[1].Name != "demo" {
		t.Fatalf("unexpected listing: %+v", summaries)
	}

	if err := store.Rename(ctx, "alpha", "beta"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := store.Read(ctx, "alpha"); !domain.IsNotFound(err) {
		t.Fatalf("old name still readable after rename: %v", err)
	}
	renamed, err := store.Read(ctx, "beta")
	if err != nil {
		t.Fatalf("read renamed: %v", err)
	}
	if renamed.Name != "beta" {
		t.Fatalf("manifest name not rewritten: %q", renamed.Name)
	}
	if err := store.Rename(ctx, "beta", "demo"); err == nil {
		t.Fatalf("expected rename onto existing cohort to fail")
	}

	if err := store.Delete(ctx, "beta"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Read(ctx, "beta"); !domain.IsNotFound(err) {
		t.Fatalf("deleted cohort still readable")
	}
}

func TestFSStoreContract(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	runStoreContract(t, store)
}

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, NewMemory())
}

func TestS3StoreContract(t *testing.T) {
	runStoreContract(t, NewS3MockForTests())
}

func TestFSWriteRejectsBadNames(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	for _, name := range []string{"", "../escape", "a/b", ".hidden", "sp ace"} {
		cohort := sampleCohort("demo")
		cohort.Name = name
		if _, err := store.Write(context.Background(), cohort); err == nil {
			t.Fatalf("expected name %q to be rejected", name)
		}
	}
}

func TestFSListSkipsBrokenContainers(t *testing.T) {
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Write(ctx, sampleCohort("good")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A directory without a manifest simulates a save that died before
	// its commit point.
	if err := os.MkdirAll(filepath.Join(root, "torn"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "torn", "members.json"), []byte("[]"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	summaries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 1 || summaries[0].Name != "good" {
		t.Fatalf("broken container leaked into listing: %+v", summaries)
	}
	if _, err := store.Read(ctx, "torn"); !domain.IsNotFound(err) {
		t.Fatalf("torn container should read as NotFound, got %v", err)
	}
}

func TestFSWriteSurvivesExistingContainer(t *testing.T) {
	store, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()
	cohort := sampleCohort("demo")
	for i := 0; i < 3; i++ {
		cohort.UpdatedAt = cohort.UpdatedAt.Add(time.Minute)
		if _, err := store.Write(ctx, cohort); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	got, err := store.Read(ctx, "demo")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.UpdatedAt.Equal(cohort.UpdatedAt) {
		t.Fatalf("expected last write to win: %v vs %v", got.UpdatedAt, cohort.UpdatedAt)
	}
}

func TestFSReadFailsOnMissingEntityFile(t *testing.T) {
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Write(ctx, sampleCohort("demo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A manifest that counts members whose file is gone must surface an
	// error, not a silently partial cohort.
	if err := os.Remove(filepath.Join(root, "demo", "members.json")); err != nil {
		t.Fatalf("remove entity file: %v", err)
	}
	_, err = store.Read(ctx, "demo")
	if err == nil || domain.IsNotFound(err) {
		t.Fatalf("expected read of inconsistent container to fail, got %v", err)
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestFSReadWaitsOnWriterLock(t *testing.T) {
	root := t.TempDir()
	store, err := NewFS(root)
	if err != nil {
		t.Fatalf("new fs store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Write(ctx, sampleCohort("demo")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// While a writer holds the container lock, readers block instead of
	// observing the swap mid-flight.
	fl := flock.New(store.lockPath("demo"))
	if err := fl.Lock(); err != nil {
		t.Fatalf("take writer lock: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if _, err := store.Read(short, "demo"); err == nil {
		t.Fatalf("read acquired the container while a writer held it")
	}
	if err := fl.Unlock(); err != nil {
		t.Fatalf("release writer lock: %v", err)
	}
	if _, err := store.Read(ctx, "demo"); err != nil {
		t.Fatalf("read after writer released: %v", err)
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	cohort := sampleCohort("demo")
	if _, err := store.Write(ctx, cohort); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Mutating the caller's copy after write must not affect the store.
	cohort.Entities["members"][0].Fields["given_name"] = "changed"
	got, err := store.Read(ctx, "demo")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Entities["members"][0].Fields["given_name"] != "Ada" {
		t.Fatalf("store shares memory with caller")
	}
	// And mutating a read result must not affect later reads.
	got.Entities["members"][0].Fields["given_name"] = "changed"
	again, _ := store.Read(ctx, "demo")
	if again.Entities["members"][0].Fields["given_name"] != "Ada" {
		t.Fatalf("read result shares memory with store")
	}
}

func TestOpenFromEnvMemory(t *testing.T) {
	t.Setenv("HEALTHSIM_DOCSTORE_DRIVER", "memory")
	store, err := OpenFromEnv(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestOpenFromEnvUnknownDriver(t *testing.T) {
	t.Setenv("HEALTHSIM_DOCSTORE_DRIVER", "carrierpigeon")
	if _, err := OpenFromEnv(context.Background()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
