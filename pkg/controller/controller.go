// Package controller owns the authoritative in-memory job set. Push events,
// pull refreshes, command results and detail hydration all funnel through a
// single apply loop; merges are decided by payload version, never by arrival
// order.
package controller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
	"github.com/fetchq/fetchq/pkg/playlist"
	"github.com/fetchq/fetchq/pkg/store"
)

// Backend is the control-plane surface the controller drives. *client.Client
// satisfies it; tests substitute fakes.
type Backend interface {
	playlist.Fetcher

	CreateJob(ctx context.Context, req *models.StartRequest) (*models.Job, error)
	ListJobs(ctx context.Context) ([]*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	CancelJob(ctx context.Context, id string) (*models.CommandAck, error)
	PauseJob(ctx context.Context, id string) (*models.CommandAck, error)
	ResumeJob(ctx context.Context, id string) (*models.CommandAck, error)
	RetryJob(ctx context.Context, id string) (*models.CommandAck, error)
	DeleteJob(ctx context.Context, id string) (*models.CommandAck, error)
	SubmitSelection(ctx context.Context, id string, indices []int) (*models.CommandAck, error)
	GetOptions(ctx context.Context, id string, q client.SnapshotQuery) (*models.OptionsSnapshot, error)
	GetLogs(ctx context.Context, id string, q client.SnapshotQuery) (*models.LogsSnapshot, error)
}

// EventType identifies what happened to a job.
type EventType string

const (
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event is delivered to subscribers after every applied change. The Job
// field is a detached copy shared by all subscribers; treat it as read-only.
type Event struct {
	Type  EventType
	JobID string
	Job   *models.Job
}

// Config wires the controller's collaborators. Backend is required, the
// rest are optional.
type Config struct {
	Backend Backend
	Store   store.Store
	Logger  *logging.Logger
	Metrics *metrics.Collector

	// QueueSize bounds the apply queue; 0 means the default.
	QueueSize int
}

const (
	defaultQueueSize = 256

	// placeholderGrace is how long a locally synthesized job may be absent
	// from list responses before a direct read decides its fate.
	placeholderGrace = 10 * time.Second

	defaultRefreshInterval = 10 * time.Second
)

type hydration struct {
	options        bool
	logs           bool
	optionsVersion int64
	logsVersion    int64
}

// Controller owns the job map. All mutations run on the apply loop started
// by Start; snapshot reads take the lock directly and stay responsive while
// backend calls are in flight.
type Controller struct {
	backend   Backend
	syncer    *playlist.Syncer
	store     store.Store
	log       *logging.Logger
	collector *metrics.Collector

	mu         sync.RWMutex
	jobs       map[string]*models.Job
	pending    []string // selection FIFO, job ids
	hydrated   map[string]*hydration
	inFlight   map[string]string
	lastErr    error
	submitting bool

	queue     chan func()
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	subsMu sync.Mutex
	subs   map[int]chan Event
	subSeq int
}

// New creates a controller. Call Start before feeding it updates.
func New(cfg Config) (*Controller, error) {
	if cfg.Backend == nil {
		return nil, errors.New("controller: backend is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	c := &Controller{
		backend:   cfg.Backend,
		store:     cfg.Store,
		log:       log,
		collector: cfg.Metrics,
		jobs:      make(map[string]*models.Job),
		hydrated:  make(map[string]*hydration),
		inFlight:  make(map[string]string),
		queue:     make(chan func(), size),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[int]chan Event),
	}
	c.syncer = playlist.NewSyncer(cfg.Backend, log, cfg.Metrics)
	return c, nil
}

// Start launches the apply loop.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

// Stop terminates the apply loop. Updates still queued are dropped.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		<-c.done
	})
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case fn := <-c.queue:
			fn()
		}
	}
}

// enqueue hands fn to the apply loop without waiting for it to run.
func (c *Controller) enqueue(fn func()) bool {
	select {
	case c.queue <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// apply hands fn to the apply loop and waits until it ran, so command
// methods read their own writes.
func (c *Controller) apply(fn func()) bool {
	done := make(chan struct{})
	select {
	case c.queue <- func() { fn(); close(done) }:
	case <-c.quit:
		return false
	}
	select {
	case <-done:
		return true
	case <-c.quit:
		return false
	}
}

// Snapshot reads

// Job returns a detached copy of the job.
func (c *Controller) Job(id string) (*models.Job, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	job, ok := c.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Jobs returns detached copies of all jobs, newest first.
func (c *Controller) Jobs() []*models.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*models.Job, 0, len(c.jobs))
	for _, job := range c.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// PendingSelections returns ids of jobs awaiting a playlist item selection,
// oldest request first.
func (c *Controller) PendingSelections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.pending...)
}

// LastError reports the most recent backend call failure. The next
// successful call clears it.
func (c *Controller) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Submitting reports whether a StartDownload call is outstanding.
func (c *Controller) Submitting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.submitting
}

// InFlight reports the command currently outstanding for a job, if any.
func (c *Controller) InFlight(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	verb, ok := c.inFlight[id]
	return verb, ok
}

// Observers

// Subscribe registers an observer. Events are dropped rather than blocked
// on when the channel falls behind, so keep consumers prompt. The returned
// function unregisters the observer and closes the channel.
func (c *Controller) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	c.subsMu.Lock()
	id := c.subSeq
	c.subSeq++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subsMu.Unlock()
		})
	}
	return ch, cancel
}

func (c *Controller) publish(ev Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn("observer channel full, dropping event", map[string]interface{}{
				"job_id": ev.JobID,
				"type":   string(ev.Type),
			})
		}
	}
}

// Ingestion

// ApplyPushEvent feeds a streamed event into the apply loop. Unknown event
// types are ignored so newer backends can add frames freely.
func (c *Controller) ApplyPushEvent(ev *models.PushEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case models.PushJobUpdate:
		if ev.Job == nil {
			return
		}
		in := ev.Job.Clone()
		c.enqueue(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.mergeLocked(in)
		})
	case models.PushJobRemoved:
		id := ev.JobID
		if id == "" {
			return
		}
		c.enqueue(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.removeLocked(id, "push removal")
		})
	default:
		c.log.Debug("ignoring push event", map[string]interface{}{"type": ev.Type})
	}
}

// RefreshNow pulls the full job list and reconciles the map against it.
// Jobs absent from the response are removed, except local placeholders,
// which are only removed once a direct read confirms the backend does not
// know the id.
func (c *Controller) RefreshNow(ctx context.Context) error {
	list, err := c.backend.ListJobs(ctx)
	if err != nil {
		return c.fail("list_jobs", err)
	}
	c.clearErr()

	var absent []string
	if !c.apply(func() { absent = c.reconcile(list) }) {
		return nil
	}

	for _, id := range absent {
		job, err := c.backend.GetJob(ctx, id)
		if err != nil {
			c.log.Debug("placeholder check failed", map[string]interface{}{"job_id": id, "error": err.Error()})
			continue
		}
		if job == nil {
			c.apply(func() {
				c.mu.Lock()
				defer c.mu.Unlock()
				c.removeLocked(id, "not known to backend")
			})
			continue
		}
		in := job.Clone()
		c.apply(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.mergeLocked(in)
		})
	}
	return nil
}

// RefreshLoop pulls the job list at the given interval until ctx is done.
// The first refresh fires immediately.
func (c *Controller) RefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if err := c.RefreshNow(ctx); err != nil {
		c.log.Debug("refresh failed", map[string]interface{}{"error": err.Error()})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case <-ticker.C:
			if err := c.RefreshNow(ctx); err != nil {
				c.log.Debug("refresh failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// LoadFromStore seeds the map from the persisted cache so a restart shows
// the last known state before the first refresh lands.
func (c *Controller) LoadFromStore() error {
	if c.store == nil {
		return nil
	}
	jobs, err := c.store.ListJobs()
	if err != nil {
		return err
	}
	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, job := range jobs {
			if job == nil || job.ID == "" {
				continue
			}
			if _, ok := c.jobs[job.ID]; ok {
				continue
			}
			c.jobs[job.ID] = job
			if job.NeedsSelection() && !containsString(c.pending, job.ID) {
				c.pending = append(c.pending, job.ID)
			}
		}
		c.updateGaugesLocked()
	})
	c.log.Info("job cache loaded", map[string]interface{}{"jobs": len(jobs)})
	return nil
}

// Merge internals. Everything below runs on the apply loop with c.mu held.

func (c *Controller) reconcile(list []*models.Job) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(list))
	for _, in := range list {
		if in == nil || in.ID == "" {
			continue
		}
		seen[in.ID] = true
		c.mergeLocked(in.Clone())
	}

	var absent []string
	for id, job := range c.jobs {
		if seen[id] {
			continue
		}
		if job.Placeholder {
			if time.Since(job.CreatedAt) >= placeholderGrace {
				absent = append(absent, id)
			}
			continue
		}
		c.removeLocked(id, "absent from list")
	}
	sort.Strings(absent)
	return absent
}

// mergeLocked folds an incoming payload into the map. The caller passes a
// copy the controller may keep. Returns the stored job when the payload was
// applied, nil when it was stale.
func (c *Controller) mergeLocked(in *models.Job) *models.Job {
	cur, ok := c.jobs[in.ID]
	if !ok {
		c.jobs[in.ID] = in
		c.afterChangeLocked(nil, in)
		return in
	}

	promote := cur.Placeholder && !in.Placeholder
	if !promote && !in.NewerThan(cur) {
		c.log.Debug("stale job payload discarded", map[string]interface{}{
			"job_id": in.ID,
			"got":    in.Version,
			"have":   cur.Version,
		})
		if c.collector != nil {
			c.collector.RecordStaleDiscard("job")
		}
		return nil
	}

	// Sparse payloads must not erase details hydrated earlier
	in.Playlist = mergePlaylists(cur.Playlist, in.Playlist)
	if in.Options == nil {
		in.Options = cur.Options
	}
	if len(in.Logs) == 0 {
		in.Logs = cur.Logs
	}
	if in.Preview == nil {
		in.Preview = cur.Preview
	}
	if in.Progress == nil {
		in.Progress = cur.Progress
	}

	c.jobs[in.ID] = in
	c.afterChangeLocked(cur, in)
	return in
}

func (c *Controller) afterChangeLocked(prev, job *models.Job) {
	if prev != nil && prev.Status != job.Status {
		if c.collector != nil {
			c.collector.RecordTransition(string(prev.Status), string(job.Status))
		}
		if err := models.ValidateTransition(prev.Status, job.Status); err != nil {
			c.log.Debug("backend reported out-of-order transition", map[string]interface{}{
				"job_id": job.ID,
				"from":   string(prev.Status),
				"to":     string(job.Status),
			})
		}
		c.log.Info("job status changed", map[string]interface{}{
			"job_id": job.ID,
			"from":   string(prev.Status),
			"to":     string(job.Status),
		})
	}

	c.trackSelectionLocked(prev, job)

	if c.store != nil {
		if err := c.store.SaveJob(job); err != nil {
			c.log.Warn("failed to persist job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		}
	}
	c.updateGaugesLocked()
	c.publish(Event{Type: EventUpdated, JobID: job.ID, Job: job.Clone()})
}

func (c *Controller) removeLocked(id, reason string) {
	if _, ok := c.jobs[id]; !ok {
		return
	}
	delete(c.jobs, id)
	delete(c.hydrated, id)
	c.dropPendingLocked(id)
	c.syncer.Forget(id)

	if c.store != nil {
		if err := c.store.DeleteJob(id); err != nil {
			c.log.Warn("failed to remove persisted job", map[string]interface{}{"job_id": id, "error": err.Error()})
		}
	}
	c.updateGaugesLocked()
	c.log.Info("job removed", map[string]interface{}{"job_id": id, "reason": reason})
	c.publish(Event{Type: EventRemoved, JobID: id})
}

func (c *Controller) trackSelectionLocked(prev, job *models.Job) {
	was := prev != nil && prev.NeedsSelection()
	now := job.NeedsSelection()
	switch {
	case now && !was:
		if !containsString(c.pending, job.ID) {
			c.pending = append(c.pending, job.ID)
		}
	case was && !now:
		c.dropPendingLocked(job.ID)
	}
}

func (c *Controller) dropPendingLocked(id string) {
	for i, p := range c.pending {
		if p == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Controller) updateGaugesLocked() {
	if c.collector == nil {
		return
	}
	counts := make(map[string]int, len(c.jobs))
	for _, job := range c.jobs {
		counts[string(job.Status)]++
	}
	c.collector.SetJobsByStatus(counts)
}

// mergePlaylists folds the playlist summary riding a newer job payload into
// what is cached. Scalar fields follow the job payload; the entry list
// keeps its own version guard so a delta-synced list is not clobbered by a
// sparse or older summary.
func mergePlaylists(cached, incoming *models.PlaylistSummary) *models.PlaylistSummary {
	if incoming == nil {
		return cached
	}
	if cached == nil {
		return incoming
	}
	if incoming.EntriesVersion > cached.EntriesVersion {
		if len(incoming.Entries) == 0 && len(cached.Entries) > 0 {
			// Entries ride the delta endpoint; keep the cached list and its
			// version so the next delta fetch fills the gap.
			incoming.Entries = cached.Entries
			incoming.EntriesVersion = cached.EntriesVersion
		}
		return incoming
	}
	if len(cached.Entries) > 0 || cached.EntriesVersion > incoming.EntriesVersion {
		incoming.Entries = cached.Entries
		incoming.EntriesVersion = cached.EntriesVersion
	}
	return incoming
}

// Error slot and busy flags

func (c *Controller) fail(op string, err error) error {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.log.Warn("backend call failed", map[string]interface{}{"op": op, "error": err.Error()})
	return err
}

func (c *Controller) clearErr() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Controller) setSubmitting(v bool) {
	c.mu.Lock()
	c.submitting = v
	c.mu.Unlock()
}

func (c *Controller) setInFlight(id, verb string) {
	c.mu.Lock()
	c.inFlight[id] = verb
	c.mu.Unlock()
}

func (c *Controller) clearInFlight(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
