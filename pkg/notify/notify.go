// Package notify routes job state changes to OS-level notifications. It
// throttles progress updates, fires terminal notifications once per distinct
// finish event and raises attention requests for playlists waiting on a
// selection while the app is backgrounded.
package notify

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fetchq/fetchq/pkg/controller"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
)

// Notifier is the OS-facing surface. Implementations post the actual
// notifications; LogNotifier records them in the log for headless runs.
type Notifier interface {
	ShowProgress(job *models.Job)
	ShowFinished(job *models.Job)
	ShowAttention(job *models.Job)
	CancelJob(jobID string)
	ShowBackendWaiting()
	DismissBackendWaiting()
}

// Config wires the router. Notifier is required.
type Config struct {
	Notifier Notifier
	Logger   *logging.Logger
	Metrics  *metrics.Collector

	// MinProgressInterval throttles progress notifications per job.
	// 0 means the default of one second.
	MinProgressInterval time.Duration

	// SessionStart separates this session's finishes from earlier ones.
	// Zero means time.Now.
	SessionStart time.Time
}

const defaultProgressInterval = time.Second

type jobState struct {
	limiter        *rate.Limiter
	lastFinish     time.Time
	sawNonTerminal bool
	terminalShown  bool
	attentionShown bool
}

// Router consumes controller events and decides what reaches the Notifier.
type Router struct {
	notifier  Notifier
	log       *logging.Logger
	collector *metrics.Collector

	minInterval  time.Duration
	sessionStart time.Time

	mu             sync.Mutex
	jobs           map[string]*jobState
	backgrounded   bool
	backendState   models.BackendState
	inboxDepth     int
	backendWaiting bool
}

// NewRouter creates a router around the given notifier.
func NewRouter(cfg Config) (*Router, error) {
	if cfg.Notifier == nil {
		return nil, errors.New("notify: notifier is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	interval := cfg.MinProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	start := cfg.SessionStart
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Router{
		notifier:     cfg.Notifier,
		log:          log,
		collector:    cfg.Metrics,
		minInterval:  interval,
		sessionStart: start,
		jobs:         make(map[string]*jobState),
		backendState: models.BackendNotStarted,
	}, nil
}

// Run consumes events until ctx is done or the channel closes. Pair it with
// controller.Subscribe.
func (r *Router) Run(done <-chan struct{}, events <-chan controller.Event) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ev)
		}
	}
}

// Handle routes a single controller event.
func (r *Router) Handle(ev controller.Event) {
	switch ev.Type {
	case controller.EventRemoved:
		r.mu.Lock()
		delete(r.jobs, ev.JobID)
		r.mu.Unlock()
		r.notifier.CancelJob(ev.JobID)
		r.record("cancel")
	case controller.EventUpdated:
		if ev.Job != nil {
			r.handleUpdate(ev.Job)
		}
	}
}

// SetBackgrounded tells the router whether the app is in the background.
// Attention notifications are only raised while backgrounded; the user can
// see the selection prompt otherwise.
func (r *Router) SetBackgrounded(v bool) {
	r.mu.Lock()
	r.backgrounded = v
	r.mu.Unlock()
}

// SetBackendState feeds the launcher's readiness signal.
func (r *Router) SetBackendState(state models.BackendState) {
	r.mu.Lock()
	r.backendState = state
	r.updateBackendWaitingLocked()
	r.mu.Unlock()
}

// SetInboxDepth feeds the pending-intent queue depth.
func (r *Router) SetInboxDepth(n int) {
	r.mu.Lock()
	r.inboxDepth = n
	r.updateBackendWaitingLocked()
	r.mu.Unlock()
}

// updateBackendWaitingLocked keeps the long-lived indeterminate notification
// in step: shown while externally-submitted work is queued and the backend
// is not yet running, dismissed the moment either side changes.
func (r *Router) updateBackendWaitingLocked() {
	want := r.inboxDepth > 0 && r.backendState != models.BackendRunning
	if want == r.backendWaiting {
		return
	}
	r.backendWaiting = want
	if want {
		r.notifier.ShowBackendWaiting()
		r.record("backend_waiting")
	} else {
		r.notifier.DismissBackendWaiting()
	}
}

func (r *Router) handleUpdate(job *models.Job) {
	r.mu.Lock()
	st := r.jobs[job.ID]
	if st == nil {
		st = &jobState{limiter: rate.NewLimiter(rate.Every(r.minInterval), 1)}
		r.jobs[job.ID] = st
	}

	if job.IsTerminal() {
		fire := r.shouldFireTerminalLocked(st, job)
		r.mu.Unlock()
		if fire {
			r.notifier.ShowFinished(job)
			r.record("finished")
			r.log.Debug("terminal notification", map[string]interface{}{"job_id": job.ID, "status": string(job.Status)})
		}
		return
	}

	st.sawNonTerminal = true
	st.terminalShown = false

	if !job.NeedsSelection() {
		st.attentionShown = false
	} else if r.backgrounded && !st.attentionShown {
		st.attentionShown = true
		r.mu.Unlock()
		r.notifier.ShowAttention(job)
		r.record("attention")
		return
	}

	throttleOK := job.Status.IsActive() && st.limiter.Allow()
	r.mu.Unlock()

	if throttleOK {
		r.notifier.ShowProgress(job)
		r.record("progress")
	}
}

// shouldFireTerminalLocked enforces single-fire per distinct finish event.
// A finish is notified when it happened during this session, or when the
// job was observed mid-flight before finishing.
func (r *Router) shouldFireTerminalLocked(st *jobState, job *models.Job) bool {
	finish := finishTime(job)
	if finish.IsZero() {
		// No timestamp to compare; fall back to once per terminal arrival
		if st.sawNonTerminal && !st.terminalShown {
			st.terminalShown = true
			st.sawNonTerminal = false
			return true
		}
		return false
	}
	if finish.Equal(st.lastFinish) {
		return false
	}
	inSession := st.sawNonTerminal || finish.After(r.sessionStart)
	st.lastFinish = finish
	st.terminalShown = inSession
	st.sawNonTerminal = false
	return inSession
}

func finishTime(job *models.Job) time.Time {
	if job.FinishedAt != nil {
		return *job.FinishedAt
	}
	return job.UpdatedAt
}

func (r *Router) record(kind string) {
	if r.collector != nil {
		r.collector.RecordNotification(kind)
	}
}

// LogNotifier writes notifications to the structured log. It backs headless
// runs and tests.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log *logging.Logger) *LogNotifier {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) ShowProgress(job *models.Job) {
	n.log.Info("notification: progress", map[string]interface{}{
		"job_id":  job.ID,
		"title":   job.DisplayTitle(),
		"percent": job.ProgressPercent(),
	})
}

func (n *LogNotifier) ShowFinished(job *models.Job) {
	n.log.Info("notification: finished", map[string]interface{}{
		"job_id": job.ID,
		"title":  job.DisplayTitle(),
		"status": string(job.Status),
	})
}

func (n *LogNotifier) ShowAttention(job *models.Job) {
	n.log.Info("notification: selection needed", map[string]interface{}{
		"job_id": job.ID,
		"title":  job.DisplayTitle(),
	})
}

func (n *LogNotifier) CancelJob(jobID string) {
	n.log.Debug("notification: cancel", map[string]interface{}{"job_id": jobID})
}

func (n *LogNotifier) ShowBackendWaiting() {
	n.log.Info("notification: waiting for backend")
}

func (n *LogNotifier) DismissBackendWaiting() {
	n.log.Info("notification: backend ready")
}
