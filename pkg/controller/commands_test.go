package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/models"
)

func seedJob(c *Controller, job *models.Job) {
	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.mergeLocked(job)
	})
}

func TestStartDownloadStoresResult(t *testing.T) {
	fb := newFakeBackend()
	fb.createFn = func(ctx context.Context, req *models.StartRequest) (*models.Job, error) {
		now := time.Now().UTC()
		return &models.Job{
			ID: "new-1", Status: models.StatusQueued,
			CreatedAt: now, UpdatedAt: now,
			URLs: req.URLs, Placeholder: true,
		}, nil
	}
	c := newTestController(t, fb)

	job, err := c.StartDownload(context.Background(), &models.StartRequest{URLs: []string{"https://example.com/v"}})
	if err != nil {
		t.Fatalf("StartDownload failed: %v", err)
	}
	if job.ID != "new-1" {
		t.Fatalf("job id = %q", job.ID)
	}

	stored, ok := c.Job("new-1")
	if !ok {
		t.Fatal("job not in controller after StartDownload")
	}
	if !stored.Placeholder {
		t.Error("placeholder flag should persist until a real payload arrives")
	}
	if c.Submitting() {
		t.Error("submitting flag should clear after return")
	}
	if c.LastError() != nil {
		t.Errorf("last error should be clear, got %v", c.LastError())
	}
}

func TestStartDownloadFailureSetsErrorSlot(t *testing.T) {
	fb := newFakeBackend()
	fb.createFn = func(ctx context.Context, req *models.StartRequest) (*models.Job, error) {
		return nil, &client.APIError{Status: 500, Body: "boom"}
	}
	c := newTestController(t, fb)

	_, err := c.StartDownload(context.Background(), &models.StartRequest{URLs: []string{"https://example.com/v"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if c.LastError() == nil {
		t.Error("last error slot should be set")
	}

	// The next successful call clears the slot
	fb.createFn = nil
	if _, err := c.StartDownload(context.Background(), &models.StartRequest{URLs: []string{"https://example.com/v"}}); err != nil {
		t.Fatalf("second StartDownload failed: %v", err)
	}
	if c.LastError() != nil {
		t.Errorf("last error should be cleared, got %v", c.LastError())
	}
}

func TestPauseAppliesOptimisticStatus(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(t, fb)
	seedJob(c, mkJob("j1", models.StatusRunning, 1))

	if err := c.PauseJob(context.Background(), "j1"); err != nil {
		t.Fatalf("PauseJob failed: %v", err)
	}

	job, _ := c.Job("j1")
	if job.Status != models.StatusPausing {
		t.Errorf("status = %q, want pausing", job.Status)
	}
	if job.Version != 1 {
		t.Errorf("optimistic transition must not touch the version, got %d", job.Version)
	}

	// Backend confirmation lands through the normal merge path
	pushUpdate(c, mkJob("j1", models.StatusPaused, 2))
	barrier(c)
	job, _ = c.Job("j1")
	if job.Status != models.StatusPaused {
		t.Errorf("status = %q, want paused", job.Status)
	}
}

func TestResumeGoesStraightToRunning(t *testing.T) {
	c := newTestController(t, newFakeBackend())
	seedJob(c, mkJob("j1", models.StatusPaused, 1))

	if err := c.ResumeJob(context.Background(), "j1"); err != nil {
		t.Fatalf("ResumeJob failed: %v", err)
	}
	job, _ := c.Job("j1")
	if job.Status != models.StatusRunning {
		t.Errorf("status = %q, want running", job.Status)
	}
}

func TestCancelIsAdvisory(t *testing.T) {
	c := newTestController(t, newFakeBackend())
	seedJob(c, mkJob("j1", models.StatusRunning, 1))

	if err := c.CancelJob(context.Background(), "j1"); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}
	job, _ := c.Job("j1")
	if job.Status != models.StatusCancelling {
		t.Errorf("status = %q, want cancelling until the backend confirms", job.Status)
	}

	pushUpdate(c, mkJob("j1", models.StatusCancelled, 2))
	barrier(c)
	job, _ = c.Job("j1")
	if job.Status != models.StatusCancelled {
		t.Errorf("status = %q, want cancelled", job.Status)
	}
}

func TestCommandGateRejections(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(t, fb)
	seedJob(c, mkJob("done", models.StatusCompleted, 1))
	seedJob(c, mkJob("active", models.StatusRunning, 1))

	tests := []struct {
		name string
		call func() error
	}{
		{"pause terminal", func() error { return c.PauseJob(context.Background(), "done") }},
		{"resume active", func() error { return c.ResumeJob(context.Background(), "active") }},
		{"cancel terminal", func() error { return c.CancelJob(context.Background(), "done") }},
		{"pause unknown", func() error { return c.PauseJob(context.Background(), "nope") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			var verr *client.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
		})
	}

	if fb.callCount("pause")+fb.callCount("resume")+fb.callCount("cancel") != 0 {
		t.Error("gated commands must not reach the backend")
	}
	if c.LastError() != nil {
		t.Error("validation rejections must not fill the error slot")
	}
}

func TestRetrySameIDResets(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(t, fb)

	finished := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	job := mkJob("j1", models.StatusFailed, 5)
	job.FinishedAt = &finished
	job.Error = "network unreachable"
	seedJob(c, job)

	newID, err := c.RetryJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if newID != "j1" {
		t.Fatalf("newID = %q, want j1", newID)
	}

	got, _ := c.Job("j1")
	if got.Status != models.StatusQueued {
		t.Errorf("status = %q, want queued", got.Status)
	}
	if got.FinishedAt != nil {
		t.Error("finish marker must clear so the next completion is a distinct event")
	}
	if got.Error != "" {
		t.Errorf("error detail should clear, got %q", got.Error)
	}
}

func TestRetryNewIDCreatesPlaceholder(t *testing.T) {
	fb := newFakeBackend()
	fb.retryFn = func(ctx context.Context, id string) (*models.CommandAck, error) {
		return &models.CommandAck{JobID: "j2"}, nil
	}
	c := newTestController(t, fb)
	seedJob(c, mkJob("j1", models.StatusFailed, 5))

	newID, err := c.RetryJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if newID != "j2" {
		t.Fatalf("newID = %q, want j2", newID)
	}

	old, _ := c.Job("j1")
	if old.Status != models.StatusFailed {
		t.Errorf("original job should stay terminal, got %q", old.Status)
	}
	fresh, ok := c.Job("j2")
	if !ok {
		t.Fatal("placeholder for the new id missing")
	}
	if !fresh.Placeholder || fresh.Status != models.StatusQueued {
		t.Errorf("placeholder = %+v", fresh)
	}
	if len(fresh.URLs) != 1 || fresh.URLs[0] != "https://example.com/j1" {
		t.Errorf("placeholder should inherit the input urls, got %v", fresh.URLs)
	}
}

func TestRetryRequiresTerminal(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(t, fb)
	seedJob(c, mkJob("j1", models.StatusRunning, 1))

	_, err := c.RetryJob(context.Background(), "j1")
	var verr *client.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if fb.callCount("retry") != 0 {
		t.Error("gated retry must not reach the backend")
	}
}

func TestDeleteEmitsRemoval(t *testing.T) {
	c := newTestController(t, newFakeBackend())
	seedJob(c, mkJob("j1", models.StatusCompleted, 1))

	events, cancel := c.Subscribe()
	defer cancel()

	if err := c.DeleteJob(context.Background(), "j1"); err != nil {
		t.Fatalf("DeleteJob failed: %v", err)
	}
	if _, ok := c.Job("j1"); ok {
		t.Error("job should be gone locally")
	}

	select {
	case ev := <-events:
		if ev.Type != EventRemoved || ev.JobID != "j1" {
			t.Errorf("event = %+v, want removal of j1", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no removal event")
	}
}

func TestSubmitSelectionClearsAwaiting(t *testing.T) {
	fb := newFakeBackend()
	var gotIndices []int
	fb.selectFn = func(ctx context.Context, id string, indices []int) (*models.CommandAck, error) {
		gotIndices = indices
		return &models.CommandAck{JobID: id}, nil
	}
	c := newTestController(t, fb)

	job := mkJob("j1", models.StatusRunning, 1)
	job.Playlist = &models.PlaylistSummary{AwaitingSelection: true, EntryCount: 10}
	seedJob(c, job)

	if err := c.SubmitPlaylistSelection(context.Background(), "j1", []int{1, 3, 5}); err != nil {
		t.Fatalf("SubmitPlaylistSelection failed: %v", err)
	}
	if len(gotIndices) != 3 {
		t.Errorf("indices = %v", gotIndices)
	}

	got, _ := c.Job("j1")
	if got.Playlist.AwaitingSelection {
		t.Error("awaiting flag should clear optimistically")
	}
	if pending := c.PendingSelections(); len(pending) != 0 {
		t.Errorf("pending = %v, want empty", pending)
	}
}

func TestLoadPlaylistMergesDelta(t *testing.T) {
	fb := newFakeBackend()
	fb.deltaFn = func(ctx context.Context, id string, since int64) (*models.PlaylistUpdate, error) {
		return &models.PlaylistUpdate{
			Playlist: &models.PlaylistSummary{
				ID:              "pl",
				EntryCount:      2,
				EntriesExternal: true,
				Entries: []models.PlaylistEntry{
					{Index: 1, Title: "one"},
					{Index: 2, Title: "two"},
				},
			},
			Delta: &models.PlaylistDelta{Type: models.DeltaFull, Version: 3},
		}, nil
	}
	c := newTestController(t, fb)

	job := mkJob("j1", models.StatusRunning, 1)
	job.Playlist = &models.PlaylistSummary{ID: "pl", EntriesExternal: true, EntriesVersion: 1}
	seedJob(c, job)

	if err := c.LoadPlaylist(context.Background(), "j1"); err != nil {
		t.Fatalf("LoadPlaylist failed: %v", err)
	}

	got, _ := c.Job("j1")
	if got.Playlist.EntriesVersion != 3 {
		t.Errorf("entries version = %d, want 3", got.Playlist.EntriesVersion)
	}
	if len(got.Playlist.Entries) != 2 {
		t.Errorf("entries = %d, want 2", len(got.Playlist.Entries))
	}
	if fb.callCount("delta") != 1 {
		t.Errorf("delta calls = %d, want 1", fb.callCount("delta"))
	}
}

func TestLoadPlaylistSkipsInlineEntries(t *testing.T) {
	fb := newFakeBackend()
	c := newTestController(t, fb)

	job := mkJob("j1", models.StatusRunning, 1)
	job.Playlist = &models.PlaylistSummary{
		EntriesExternal: false,
		Entries:         []models.PlaylistEntry{{Index: 1, Title: "inline"}},
	}
	seedJob(c, job)

	if err := c.LoadPlaylist(context.Background(), "j1"); err != nil {
		t.Fatalf("LoadPlaylist failed: %v", err)
	}
	if fb.callCount("delta") != 0 || fb.callCount("snapshot") != 0 {
		t.Error("inline entries must never be fetched")
	}
}

func TestLoadPlaylistKeepsFresherPushResult(t *testing.T) {
	fb := newFakeBackend()
	release := make(chan struct{})
	fb.deltaFn = func(ctx context.Context, id string, since int64) (*models.PlaylistUpdate, error) {
		<-release
		return &models.PlaylistUpdate{
			Playlist: &models.PlaylistSummary{Entries: []models.PlaylistEntry{{Index: 1, Title: "slow"}}},
			Delta:    &models.PlaylistDelta{Type: models.DeltaFull, Version: 2},
		}, nil
	}
	c := newTestController(t, fb)

	job := mkJob("j1", models.StatusRunning, 1)
	job.Playlist = &models.PlaylistSummary{EntriesExternal: true, EntriesVersion: 1}
	seedJob(c, job)

	done := make(chan error, 1)
	go func() { done <- c.LoadPlaylist(context.Background(), "j1") }()

	// While the fetch is in flight a push lands version 5
	fresher := mkJob("j1", models.StatusRunning, 2)
	fresher.Playlist = &models.PlaylistSummary{
		EntriesExternal: true,
		EntriesVersion:  5,
		Entries:         []models.PlaylistEntry{{Index: 1, Title: "fresh"}},
	}
	pushUpdate(c, fresher)
	barrier(c)
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("LoadPlaylist failed: %v", err)
	}

	got, _ := c.Job("j1")
	if got.Playlist.EntriesVersion != 5 {
		t.Errorf("entries version = %d, want the fresher 5", got.Playlist.EntriesVersion)
	}
	if got.Playlist.Entries[0].Title != "fresh" {
		t.Errorf("entry title = %q, want fresh", got.Playlist.Entries[0].Title)
	}
}

func TestEnsureDetailsFetchesOnce(t *testing.T) {
	fb := newFakeBackend()
	fb.optionsFn = func(ctx context.Context, id string) (*models.OptionsSnapshot, error) {
		return &models.OptionsSnapshot{Version: 1, Options: map[string]any{"format": "best"}}, nil
	}
	fb.logsFn = func(ctx context.Context, id string) (*models.LogsSnapshot, error) {
		return &models.LogsSnapshot{Version: 1, Logs: []models.LogEntry{{Level: "info", Message: "hello"}}}, nil
	}
	c := newTestController(t, fb)
	seedJob(c, mkJob("j1", models.StatusRunning, 1))

	if err := c.EnsureDetails(context.Background(), "j1"); err != nil {
		t.Fatalf("EnsureDetails failed: %v", err)
	}
	if err := c.EnsureDetails(context.Background(), "j1"); err != nil {
		t.Fatalf("second EnsureDetails failed: %v", err)
	}

	if fb.callCount("options") != 1 || fb.callCount("logs") != 1 {
		t.Errorf("fetch counts = %d/%d, want 1/1", fb.callCount("options"), fb.callCount("logs"))
	}

	got, _ := c.Job("j1")
	if got.Options["format"] != "best" {
		t.Errorf("options = %v", got.Options)
	}
	if len(got.Logs) != 1 || got.Logs[0].Message != "hello" {
		t.Errorf("logs = %v", got.Logs)
	}
}
