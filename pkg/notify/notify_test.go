package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/fetchq/fetchq/pkg/controller"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/models"
)

type fakeNotifier struct {
	mu        sync.Mutex
	progress  []string
	finished  []string
	attention []string
	cancelled []string
	waiting   int
	dismissed int
}

func (f *fakeNotifier) ShowProgress(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, job.ID)
}

func (f *fakeNotifier) ShowFinished(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, job.ID)
}

func (f *fakeNotifier) ShowAttention(job *models.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attention = append(f.attention, job.ID)
}

func (f *fakeNotifier) CancelJob(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
}

func (f *fakeNotifier) ShowBackendWaiting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waiting++
}

func (f *fakeNotifier) DismissBackendWaiting() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissed++
}

func (f *fakeNotifier) finishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished)
}

func newTestRouter(t *testing.T, sessionStart time.Time) (*Router, *fakeNotifier) {
	t.Helper()
	fn := &fakeNotifier{}
	r, err := NewRouter(Config{
		Notifier:            fn,
		Logger:              logging.NewLogger(logging.ERROR, false),
		MinProgressInterval: time.Hour, // deterministic: only the first progress passes
		SessionStart:        sessionStart,
	})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	return r, fn
}

func updated(job *models.Job) controller.Event {
	return controller.Event{Type: controller.EventUpdated, JobID: job.ID, Job: job}
}

func terminalJob(id string, status models.JobStatus, finish time.Time) *models.Job {
	return &models.Job{
		ID:         id,
		Status:     status,
		UpdatedAt:  finish,
		FinishedAt: &finish,
	}
}

func TestTerminalSingleFirePerFinishEvent(t *testing.T) {
	session := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r, fn := newTestRouter(t, session)

	finish := session.Add(5 * time.Minute)
	job := terminalJob("j1", models.StatusCompleted, finish)

	r.Handle(updated(job))
	// A second refresh reporting the same status and finish time
	r.Handle(updated(job))
	r.Handle(updated(terminalJob("j1", models.StatusCompleted, finish)))

	if got := fn.finishedCount(); got != 1 {
		t.Fatalf("finished notifications = %d, want exactly 1", got)
	}

	// Retry finishes again later: exactly one new notification
	running := &models.Job{ID: "j1", Status: models.StatusRunning, UpdatedAt: finish.Add(time.Minute)}
	r.Handle(updated(running))
	refinish := finish.Add(10 * time.Minute)
	r.Handle(updated(terminalJob("j1", models.StatusCompleted, refinish)))
	r.Handle(updated(terminalJob("j1", models.StatusCompleted, refinish)))

	if got := fn.finishedCount(); got != 2 {
		t.Errorf("finished notifications after refinish = %d, want 2", got)
	}
}

func TestPreSessionFinishIsSilent(t *testing.T) {
	session := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r, fn := newTestRouter(t, session)

	// First sighting is already terminal and finished before this session
	old := terminalJob("j1", models.StatusCompleted, session.Add(-time.Hour))
	r.Handle(updated(old))
	r.Handle(updated(old))

	if got := fn.finishedCount(); got != 0 {
		t.Errorf("finished notifications = %d, want 0 for a pre-session finish", got)
	}
}

func TestMidFlightJobFiresOnFinish(t *testing.T) {
	session := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r, fn := newTestRouter(t, session)

	// Job was mid-flight when the session started; clock skew puts its
	// finish timestamp slightly before the session start
	r.Handle(updated(&models.Job{ID: "j1", Status: models.StatusRunning, UpdatedAt: session}))
	r.Handle(updated(terminalJob("j1", models.StatusCompleted, session.Add(-time.Second))))

	if got := fn.finishedCount(); got != 1 {
		t.Errorf("finished notifications = %d, want 1 for a mid-flight job", got)
	}
}

func TestProgressThrottled(t *testing.T) {
	r, fn := newTestRouter(t, time.Now().UTC())

	for i := 0; i < 5; i++ {
		r.Handle(updated(&models.Job{
			ID:        "j1",
			Status:    models.StatusRunning,
			UpdatedAt: time.Now().UTC(),
			Progress:  &models.Progress{Percent: float64(i * 20)},
		}))
	}

	fn.mu.Lock()
	got := len(fn.progress)
	fn.mu.Unlock()
	if got != 1 {
		t.Errorf("progress notifications = %d, want 1 within the throttle window", got)
	}
}

func TestAttentionOnlyWhileBackgrounded(t *testing.T) {
	r, fn := newTestRouter(t, time.Now().UTC())

	needy := &models.Job{
		ID:       "j1",
		Status:   models.StatusRunning,
		Playlist: &models.PlaylistSummary{AwaitingSelection: true},
	}

	r.Handle(updated(needy))
	fn.mu.Lock()
	foreground := len(fn.attention)
	fn.mu.Unlock()
	if foreground != 0 {
		t.Fatalf("attention in foreground = %d, want 0", foreground)
	}

	r.SetBackgrounded(true)
	r.Handle(updated(needy))
	r.Handle(updated(needy)) // repeat must not duplicate
	fn.mu.Lock()
	background := len(fn.attention)
	fn.mu.Unlock()
	if background != 1 {
		t.Errorf("attention while backgrounded = %d, want 1", background)
	}

	// Selection resolved re-arms the flag for a later request
	resolved := &models.Job{
		ID:       "j1",
		Status:   models.StatusRunning,
		Playlist: &models.PlaylistSummary{AwaitingSelection: false},
	}
	r.Handle(updated(resolved))
	r.Handle(updated(needy))
	fn.mu.Lock()
	rearmed := len(fn.attention)
	fn.mu.Unlock()
	if rearmed != 2 {
		t.Errorf("attention after re-request = %d, want 2", rearmed)
	}
}

func TestRemovalCancelsNotification(t *testing.T) {
	r, fn := newTestRouter(t, time.Now().UTC())

	r.Handle(updated(&models.Job{ID: "j1", Status: models.StatusRunning, UpdatedAt: time.Now().UTC()}))
	r.Handle(controller.Event{Type: controller.EventRemoved, JobID: "j1"})

	fn.mu.Lock()
	defer fn.mu.Unlock()
	if len(fn.cancelled) != 1 || fn.cancelled[0] != "j1" {
		t.Errorf("cancelled = %v, want [j1]", fn.cancelled)
	}
}

func TestBackendWaitingLifecycle(t *testing.T) {
	r, fn := newTestRouter(t, time.Now().UTC())

	// Intent queued while the backend is still starting
	r.SetInboxDepth(2)
	fn.mu.Lock()
	shown := fn.waiting
	fn.mu.Unlock()
	if shown != 1 {
		t.Fatalf("waiting shown = %d, want 1", shown)
	}

	// Depth changes while still waiting must not re-show
	r.SetInboxDepth(1)
	fn.mu.Lock()
	shown = fn.waiting
	fn.mu.Unlock()
	if shown != 1 {
		t.Errorf("waiting re-shown on depth change: %d", shown)
	}

	// Backend becomes ready: dismissed exactly once
	r.SetBackendState(models.BackendRunning)
	fn.mu.Lock()
	dismissed := fn.dismissed
	fn.mu.Unlock()
	if dismissed != 1 {
		t.Errorf("dismissed = %d, want 1", dismissed)
	}

	// Backend failing with an empty queue stays silent
	r.SetInboxDepth(0)
	r.SetBackendState(models.BackendFailed)
	fn.mu.Lock()
	shown = fn.waiting
	fn.mu.Unlock()
	if shown != 1 {
		t.Errorf("waiting shown with empty queue: %d", shown)
	}
}
