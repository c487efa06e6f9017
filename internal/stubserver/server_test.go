package stubserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/models"
)

// newTestServer brings up a stub with a one-hour tick so tests drive
// the lifecycle manually via tick().
func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server, *client.Client) {
	t.Helper()
	cfg.Logger = logging.NewLogger(logging.ERROR, false)
	if cfg.TickInterval == 0 {
		cfg.TickInterval = time.Hour
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	t.Cleanup(s.Stop)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	c := client.NewClient(srv.URL, auth.NewTokenHolder(s.Token()))
	c.SetLogger(logging.NewLogger(logging.ERROR, false))
	return s, srv, c
}

func ticks(s *Server, n int) {
	for i := 0; i < n; i++ {
		s.tick(time.Now().UTC())
	}
}

func TestSingleJobLifecycle(t *testing.T) {
	s, _, c := newTestServer(t, Config{StepsPerJob: 2})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://media.example.com/v/clip.mp4"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Status != models.StatusQueued || job.Version != 1 {
		t.Fatalf("created job = %s v%d, want queued v1", job.Status, job.Version)
	}
	if job.Kind != models.KindSingle {
		t.Errorf("kind = %q, want single", job.Kind)
	}

	wantStatuses := []models.JobStatus{
		models.StatusStarting,
		models.StatusRunning,
		models.StatusRunning,
		models.StatusCompleted,
	}
	lastVersion := job.Version
	for i, want := range wantStatuses {
		ticks(s, 1)
		got, err := c.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob after tick %d: %v", i+1, err)
		}
		if got.Status != want {
			t.Fatalf("after tick %d status = %s, want %s", i+1, got.Status, want)
		}
		if got.Version <= lastVersion {
			t.Errorf("after tick %d version = %d, want > %d", i+1, got.Version, lastVersion)
		}
		lastVersion = got.Version
	}

	final, err := c.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Progress == nil || final.Progress.Percent != 100 {
		t.Errorf("final progress = %+v, want 100%%", final.Progress)
	}
	if final.FinishedAt == nil {
		t.Error("final job has no finished_at")
	}
	if final.Progress.Filename != "clip.mp4" {
		t.Errorf("filename = %q, want clip.mp4", final.Progress.Filename)
	}
}

func TestAuthRequired(t *testing.T) {
	_, srv, _ := newTestServer(t, Config{})

	bad := client.NewClient(srv.URL, auth.NewTokenHolder("wrong-token"))
	bad.SetLogger(logging.NewLogger(logging.ERROR, false))
	_, err := bad.ListJobs(context.Background())
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("ListJobs with bad token: err = %v, want 401 APIError", err)
	}

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200 without token", resp.StatusCode)
	}
}

func TestIDOnlyCreateSynthesizesPlaceholder(t *testing.T) {
	_, _, c := newTestServer(t, Config{IDOnlyCreate: true})

	job, err := c.CreateJob(context.Background(), &models.StartRequest{URLs: []string{"https://example.com/a"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if !job.Placeholder {
		t.Error("job.Placeholder = false, want synthesized placeholder")
	}
	if job.ID == "" || job.Status != models.StatusQueued {
		t.Errorf("placeholder = %s %s, want queued with id", job.ID, job.Status)
	}
}

func TestCreateRecordsOwnerInMetadata(t *testing.T) {
	_, _, c := newTestServer(t, Config{})

	job, err := c.CreateJob(context.Background(), &models.StartRequest{
		URLs:  []string{"https://example.com/a"},
		Owner: "cli",
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if got := job.Metadata["owner"]; got != "cli" {
		t.Errorf("metadata owner = %v, want cli", got)
	}
}

func TestPlaylistDiscoveryAndDelta(t *testing.T) {
	s, _, c := newTestServer(t, Config{PlaylistSize: 3})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/watch?list=pl123"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.Kind != models.KindPlaylist {
		t.Fatalf("kind = %q, want playlist", job.Kind)
	}

	// queued→starting→running, then one discovery tick per entry.
	ticks(s, 5)

	full, err := c.GetPlaylistDelta(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("GetPlaylistDelta since=0: %v", err)
	}
	if full.Delta == nil || full.Delta.Type != "full" {
		t.Fatalf("delta = %+v, want type full", full.Delta)
	}
	if len(full.Playlist.Entries) != 3 || full.Playlist.EntriesVersion != 3 {
		t.Fatalf("full delta entries = %d v%d, want 3 v3", len(full.Playlist.Entries), full.Playlist.EntriesVersion)
	}

	// One completion tick: exactly one entry changed since version 3.
	ticks(s, 1)
	inc, err := c.GetPlaylistDelta(ctx, job.ID, 3)
	if err != nil {
		t.Fatalf("GetPlaylistDelta since=3: %v", err)
	}
	if inc.Delta == nil || inc.Delta.Type != "incremental" {
		t.Fatalf("delta = %+v, want type incremental", inc.Delta)
	}
	if len(inc.Playlist.Entries) != 1 {
		t.Fatalf("incremental entries = %d, want 1", len(inc.Playlist.Entries))
	}
	if e := inc.Playlist.Entries[0]; e.Index != 1 || e.Status != "completed" {
		t.Errorf("changed entry = %+v, want index 1 completed", e)
	}

	// Finish the remaining entries.
	ticks(s, 2)
	final, err := c.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Errorf("final status = %s, want completed", final.Status)
	}
	if final.Playlist.CompletedItems != 3 {
		t.Errorf("completed items = %d, want 3", final.Playlist.CompletedItems)
	}
}

func TestDeltaDisabledFallsBackToSnapshot(t *testing.T) {
	s, _, c := newTestServer(t, Config{PlaylistSize: 2, DisableDelta: true})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/playlist/p1"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ticks(s, 4)

	if _, err := c.GetPlaylistDelta(ctx, job.ID, 0); !errors.Is(err, client.ErrDeltaUnsupported) {
		t.Fatalf("GetPlaylistDelta err = %v, want ErrDeltaUnsupported", err)
	}

	snap, err := c.GetPlaylist(ctx, job.ID, 0, 0)
	if err != nil {
		t.Fatalf("GetPlaylist: %v", err)
	}
	if len(snap.Playlist.Entries) != 2 {
		t.Errorf("snapshot entries = %d, want 2", len(snap.Playlist.Entries))
	}
}

func TestPlaylistPaging(t *testing.T) {
	s, _, c := newTestServer(t, Config{PlaylistSize: 5})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/playlist/p2"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ticks(s, 7)

	page, err := c.GetPlaylistItems(ctx, job.ID, 2, 2)
	if err != nil {
		t.Fatalf("GetPlaylistItems: %v", err)
	}
	if len(page.Playlist.Entries) != 2 {
		t.Fatalf("page entries = %d, want 2", len(page.Playlist.Entries))
	}
	if page.Playlist.Entries[0].Index != 3 || page.Playlist.Entries[1].Index != 4 {
		t.Errorf("page indices = %d,%d, want 3,4", page.Playlist.Entries[0].Index, page.Playlist.Entries[1].Index)
	}
	if page.Playlist.EntryCount != 5 {
		t.Errorf("summary entry_count = %d, want 5 alongside the page", page.Playlist.EntryCount)
	}
}

func TestSelectionFlow(t *testing.T) {
	s, _, c := newTestServer(t, Config{PlaylistSize: 3, AskSelection: true})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/watch?list=sel"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ticks(s, 5)

	waiting, err := c.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !waiting.NeedsSelection() {
		t.Fatalf("job = %+v, want awaiting selection", waiting.Playlist)
	}

	// Holding: no progress while the selection is pending.
	ticks(s, 3)
	held, _ := c.GetJob(ctx, job.ID)
	if held.Playlist.CompletedItems != 0 {
		t.Fatalf("completed while awaiting selection = %d, want 0", held.Playlist.CompletedItems)
	}

	if _, err := c.SubmitSelection(ctx, job.ID, []int{2}); err != nil {
		t.Fatalf("SubmitSelection: %v", err)
	}

	ticks(s, 2)
	final, err := c.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed after downloading the selection", final.Status)
	}
	byIndex := map[int]string{}
	for _, e := range final.Playlist.Entries {
		byIndex[e.Index] = e.Status
	}
	if byIndex[1] != "skipped" || byIndex[2] != "completed" || byIndex[3] != "skipped" {
		t.Errorf("entry statuses = %v, want 1:skipped 2:completed 3:skipped", byIndex)
	}
}

func TestEntryRetryReactivatesJob(t *testing.T) {
	s, _, c := newTestServer(t, Config{PlaylistSize: 2})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/playlist/r1"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ticks(s, 6) // discover both entries, then complete both

	done, _ := c.GetJob(ctx, job.ID)
	if done.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed before entry retry", done.Status)
	}

	ack, err := c.RetryEntries(ctx, job.ID, []int{2}, nil)
	if err != nil {
		t.Fatalf("RetryEntries: %v", err)
	}
	if ack.Status != string(models.StatusRunning) {
		t.Errorf("ack status = %q, want running", ack.Status)
	}

	ticks(s, 1)
	final, _ := c.GetJob(ctx, job.ID)
	if final.Status != models.StatusCompleted {
		t.Errorf("status after re-download = %s, want completed", final.Status)
	}
	if final.Playlist.CompletedItems != 2 {
		t.Errorf("completed items = %d, want 2", final.Playlist.CompletedItems)
	}
}

func TestCommandSequence(t *testing.T) {
	s, _, c := newTestServer(t, Config{StepsPerJob: 50})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/long.bin"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ticks(s, 2) // running

	pauseAck, err := c.PauseJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("PauseJob: %v", err)
	}
	if pauseAck.Status != string(models.StatusPausing) {
		t.Errorf("pause ack = %q, want pausing", pauseAck.Status)
	}
	ticks(s, 1)
	paused, _ := c.GetJob(ctx, job.ID)
	if paused.Status != models.StatusPaused {
		t.Fatalf("status = %s, want paused", paused.Status)
	}

	resumeAck, err := c.ResumeJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ResumeJob: %v", err)
	}
	if resumeAck.Status != string(models.StatusRunning) {
		t.Errorf("resume ack = %q, want running", resumeAck.Status)
	}

	cancelAck, err := c.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelAck.Status != string(models.StatusCancelling) {
		t.Errorf("cancel ack = %q, want cancelling", cancelAck.Status)
	}
	ticks(s, 1)
	cancelled, _ := c.GetJob(ctx, job.ID)
	if cancelled.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.FinishedAt == nil {
		t.Error("cancelled job has no finished_at")
	}

	retryAck, err := c.RetryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if retryAck.JobID != job.ID {
		t.Errorf("retry ack id = %q, want same id %q", retryAck.JobID, job.ID)
	}
	if retryAck.Status != string(models.StatusQueued) {
		t.Errorf("retry ack status = %q, want queued", retryAck.Status)
	}
	requeued, _ := c.GetJob(ctx, job.ID)
	if requeued.FinishedAt != nil || requeued.Progress != nil {
		t.Errorf("retried job keeps finish/progress: %+v %+v", requeued.FinishedAt, requeued.Progress)
	}
}

func TestCommandGateRejections(t *testing.T) {
	s, _, c := newTestServer(t, Config{StepsPerJob: 1})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/short.bin"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ticks(s, 3) // completed

	tests := []struct {
		name string
		call func() (*models.CommandAck, error)
	}{
		{name: "pause completed", call: func() (*models.CommandAck, error) { return c.PauseJob(ctx, job.ID) }},
		{name: "resume completed", call: func() (*models.CommandAck, error) { return c.ResumeJob(ctx, job.ID) }},
		{name: "cancel completed", call: func() (*models.CommandAck, error) { return c.CancelJob(ctx, job.ID) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.call()
			var apiErr *client.APIError
			if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
				t.Errorf("err = %v, want 400 APIError", err)
			}
		})
	}

	if _, err := c.RetryJob(ctx, "no-such-job"); !errors.As(err, new(*client.APIError)) {
		t.Errorf("retry unknown job err = %v, want APIError", err)
	}
}

func TestDeleteRemovesJob(t *testing.T) {
	_, _, c := newTestServer(t, Config{})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/x"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if _, err := c.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	got, err := c.GetJob(ctx, job.ID)
	if err != nil || got != nil {
		t.Errorf("GetJob after delete = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestOptionsAndLogsSnapshots(t *testing.T) {
	s, _, c := newTestServer(t, Config{StepsPerJob: 2})
	ctx := context.Background()

	job, err := c.CreateJob(ctx, &models.StartRequest{
		URLs:    []string{"https://example.com/v.mp4"},
		Options: map[string]any{"format": "best", "extract_audio": false},
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ticks(s, 2)

	opts, err := c.GetOptions(ctx, job.ID, client.SnapshotQuery{})
	if err != nil {
		t.Fatalf("GetOptions: %v", err)
	}
	if opts.Version != 1 || opts.Options["format"] != "best" {
		t.Errorf("options snapshot = v%d %v, want v1 with format=best", opts.Version, opts.Options)
	}

	logs, err := c.GetLogs(ctx, job.ID, client.SnapshotQuery{})
	if err != nil {
		t.Fatalf("GetLogs: %v", err)
	}
	if logs.Version == 0 || len(logs.Logs) == 0 {
		t.Fatalf("logs snapshot = v%d with %d lines, want some", logs.Version, len(logs.Logs))
	}

	tail, err := c.GetLogs(ctx, job.ID, client.SnapshotQuery{Limit: 1})
	if err != nil {
		t.Fatalf("GetLogs limit=1: %v", err)
	}
	if len(tail.Logs) != 1 {
		t.Errorf("limited logs = %d lines, want 1", len(tail.Logs))
	}
}

func TestPreviewEndpoint(t *testing.T) {
	_, _, c := newTestServer(t, Config{})

	pv, err := c.Preview(context.Background(), "https://media.example.com/video/abc.mp4")
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if pv.Title != "abc.mp4" || pv.Uploader != "media.example.com" {
		t.Errorf("preview = %+v, want title abc.mp4 from media.example.com", pv)
	}
	if pv.DurationSeconds == 0 {
		t.Error("preview duration = 0, want a scripted value")
	}
}

func TestWebsocketPushesUpdatesAndRemovals(t *testing.T) {
	s, srv, c := newTestServer(t, Config{})
	ctx := context.Background()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + s.Token()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	// The handshake finishes before the hub admits the subscriber; wait
	// for registration so the create frame cannot slip past.
	deadline := time.Now().Add(2 * time.Second)
	for s.hub.clientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.hub.clientCount() == 0 {
		t.Fatal("subscriber never registered with the hub")
	}

	job, err := c.CreateJob(ctx, &models.StartRequest{URLs: []string{"https://example.com/w"}})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read update frame: %v", err)
	}
	ev, err := models.DecodePushEvent(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.Type != models.PushJobUpdate || ev.JobID != job.ID {
		t.Fatalf("frame = %s %s, want job_update for %s", ev.Type, ev.JobID, job.ID)
	}

	if _, err := c.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read removal frame: %v", err)
	}
	ev, err = models.DecodePushEvent(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if ev.Type != models.PushJobRemoved || ev.JobID != job.ID {
		t.Errorf("frame = %s %s, want job_removed for %s", ev.Type, ev.JobID, job.ID)
	}
}

func TestWebsocketRejectsBadToken(t *testing.T) {
	_, srv, _ := newTestServer(t, Config{})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("dial with bad token succeeded, want handshake rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %+v, want 401", resp)
	}
}
