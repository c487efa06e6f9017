package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fetchq/fetchq/pkg/models"
)

func newTestStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestJobCache(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			testJobCache(t, st)
		})
	}
}

func testJobCache(t *testing.T, st Store) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job := &models.Job{
		ID:        "job-1",
		Status:    models.StatusRunning,
		Kind:      models.KindPlaylist,
		Version:   7,
		CreatedAt: now,
		UpdatedAt: now,
		URLs:      []string{"https://example.com/watch?v=1"},
		Progress:  &models.Progress{Percent: 42.5, DownloadedBytes: 1024},
		Playlist: &models.PlaylistSummary{
			ID:             "pl-1",
			EntryCount:     3,
			EntriesVersion: 2,
			Entries: []models.PlaylistEntry{
				{Index: 1, Title: "one", Status: "completed"},
				{Index: 2, Title: "two", Status: "pending"},
			},
		},
		Placeholder: true,
	}

	if err := st.SaveJob(job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}

	got, err := st.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Version != 7 || got.Status != models.StatusRunning {
		t.Errorf("GetJob = version %d status %q, want 7 %q", got.Version, got.Status, models.StatusRunning)
	}
	if !got.Placeholder {
		t.Error("Placeholder flag lost across save/load")
	}
	if got.Progress == nil || got.Progress.Percent != 42.5 {
		t.Errorf("Progress not preserved: %+v", got.Progress)
	}
	if got.Playlist == nil || len(got.Playlist.Entries) != 2 {
		t.Fatalf("Playlist not preserved: %+v", got.Playlist)
	}
	if got.Playlist.Entries[0].Title != "one" {
		t.Errorf("Entry title = %q, want one", got.Playlist.Entries[0].Title)
	}

	// Stored copy must be detached from the caller's pointer
	job.Status = models.StatusFailed
	job.Playlist.Entries[0].Title = "mutated"
	got2, err := st.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob after mutation failed: %v", err)
	}
	if got2.Status != models.StatusRunning {
		t.Errorf("caller mutation leaked into cache: status %q", got2.Status)
	}
	if got2.Playlist.Entries[0].Title != "one" {
		t.Errorf("caller mutation leaked into cached playlist: %q", got2.Playlist.Entries[0].Title)
	}

	// Replacing by id keeps a single row
	newer := got2.Clone()
	newer.Version = 9
	newer.Status = models.StatusCompleted
	if err := st.SaveJob(newer); err != nil {
		t.Fatalf("SaveJob (replace) failed: %v", err)
	}
	jobs, err := st.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("ListJobs len = %d, want 1", len(jobs))
	}
	if jobs[0].Version != 9 {
		t.Errorf("replacement not applied: version %d", jobs[0].Version)
	}

	if _, err := st.GetJob("missing"); err != ErrJobNotFound {
		t.Errorf("GetJob(missing) err = %v, want ErrJobNotFound", err)
	}

	if err := st.DeleteJob("job-1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if err := st.DeleteJob("job-1"); err != nil {
		t.Errorf("DeleteJob should be idempotent, got %v", err)
	}
	if _, err := st.GetJob("job-1"); err != ErrJobNotFound {
		t.Errorf("GetJob after delete err = %v, want ErrJobNotFound", err)
	}
}

func TestIntentSpool(t *testing.T) {
	for name, st := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			testIntentSpool(t, st)
		})
	}
}

func testIntentSpool(t *testing.T, st Store) {
	first := &models.IntentRequest{
		URLs:          []string{"https://example.com/a"},
		SourcePackage: "com.android.chrome",
		Timestamp:     time.Now().UTC(),
	}
	second := &models.IntentRequest{
		URLs:          []string{"https://example.com/b"},
		PresetID:      "audio",
		SourcePackage: "com.android.chrome",
		Timestamp:     time.Now().UTC(),
	}

	if err := st.EnqueueIntent(first); err != nil {
		t.Fatalf("EnqueueIntent failed: %v", err)
	}
	if err := st.EnqueueIntent(second); err != nil {
		t.Fatalf("EnqueueIntent failed: %v", err)
	}

	// Re-sharing identical content keeps the original queue position
	dup := &models.IntentRequest{
		URLs:          []string{"https://example.com/a"},
		SourcePackage: "com.android.chrome",
		Timestamp:     time.Now().UTC().Add(time.Minute),
	}
	if dup.Fingerprint() != first.Fingerprint() {
		t.Fatalf("expected identical fingerprints, got %q vs %q", dup.Fingerprint(), first.Fingerprint())
	}
	if err := st.EnqueueIntent(dup); err != nil {
		t.Fatalf("EnqueueIntent (dup) failed: %v", err)
	}

	intents, err := st.ListIntents()
	if err != nil {
		t.Fatalf("ListIntents failed: %v", err)
	}
	if len(intents) != 2 {
		t.Fatalf("ListIntents len = %d, want 2", len(intents))
	}
	if intents[0].URLs[0] != "https://example.com/a" || intents[1].URLs[0] != "https://example.com/b" {
		t.Errorf("intent order = [%s %s], want FIFO", intents[0].URLs[0], intents[1].URLs[0])
	}

	if err := st.DeleteIntent(first.Fingerprint()); err != nil {
		t.Fatalf("DeleteIntent failed: %v", err)
	}
	intents, err = st.ListIntents()
	if err != nil {
		t.Fatalf("ListIntents after delete failed: %v", err)
	}
	if len(intents) != 1 || intents[0].PresetID != "audio" {
		t.Errorf("after delete got %d intents, want only the audio preset one", len(intents))
	}

	if err := st.DeleteIntent("no-such-fingerprint"); err != nil {
		t.Errorf("DeleteIntent should be idempotent, got %v", err)
	}
}

// TestSQLiteConcurrentSaves checks that concurrent writes do not trip
// SQLITE_BUSY with the single-connection pool.
func TestSQLiteConcurrentSaves(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "concurrent.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer st.Close()

	numJobs := 20
	var wg sync.WaitGroup
	errs := make(chan error, numJobs)

	for i := 0; i < numJobs; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			job := &models.Job{
				ID:        fmt.Sprintf("job-%d", idx),
				Status:    models.StatusQueued,
				CreatedAt: time.Now().UTC(),
				UpdatedAt: time.Now().UTC(),
			}
			if err := st.SaveJob(job); err != nil {
				errs <- fmt.Errorf("job %d save failed: %w", idx, err)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent save error: %v", err)
	}

	jobs, err := st.ListJobs()
	if err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if len(jobs) != numJobs {
		t.Errorf("Expected %d jobs, got %d", numJobs, len(jobs))
	}
}

// TestSQLiteReopen verifies the cache survives a process restart.
func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	st, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	job := &models.Job{
		ID:          "persisted",
		Status:      models.StatusQueued,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
		Placeholder: true,
	}
	if err := st.SaveJob(job); err != nil {
		t.Fatalf("SaveJob failed: %v", err)
	}
	intent := &models.IntentRequest{URLs: []string{"https://example.com/x"}, Timestamp: time.Now().UTC()}
	if err := st.EnqueueIntent(intent); err != nil {
		t.Fatalf("EnqueueIntent failed: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	st2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer st2.Close()

	got, err := st2.GetJob("persisted")
	if err != nil {
		t.Fatalf("GetJob after reopen failed: %v", err)
	}
	if !got.Placeholder {
		t.Error("Placeholder flag lost across reopen")
	}
	intents, err := st2.ListIntents()
	if err != nil {
		t.Fatalf("ListIntents after reopen failed: %v", err)
	}
	if len(intents) != 1 {
		t.Errorf("intents after reopen = %d, want 1", len(intents))
	}

	if err := st2.HealthCheck(); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
