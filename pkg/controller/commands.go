package controller

import (
	"context"
	"errors"
	"time"

	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/models"
)

// StartDownload submits a new job. The returned job may be a locally
// synthesized placeholder when the backend acks with only an id; the next
// push or refresh replaces it.
func (c *Controller) StartDownload(ctx context.Context, req *models.StartRequest) (*models.Job, error) {
	c.setSubmitting(true)
	defer c.setSubmitting(false)

	job, err := c.backend.CreateJob(ctx, req)
	if err != nil {
		var verr *client.ValidationError
		if errors.As(err, &verr) {
			// Rejected before any network call, not a backend failure
			return nil, err
		}
		return nil, c.fail("start_download", err)
	}
	c.clearErr()

	stored := job.Clone()
	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.mergeLocked(stored)
	})
	return job, nil
}

// PauseJob asks the backend to pause a job and reflects "pausing" locally
// until a push or pull confirms.
func (c *Controller) PauseJob(ctx context.Context, id string) error {
	return c.command(ctx, id, "pause")
}

// ResumeJob asks the backend to resume a paused job. There is no
// intermediate resuming state; the job goes back to running directly.
func (c *Controller) ResumeJob(ctx context.Context, id string) error {
	return c.command(ctx, id, "resume")
}

// CancelJob requests cancellation. The request is advisory: local state
// moves to "cancelling" and actual termination is confirmed by a later
// update to "cancelled".
func (c *Controller) CancelJob(ctx context.Context, id string) error {
	return c.command(ctx, id, "cancel")
}

func (c *Controller) command(ctx context.Context, id, verb string) error {
	job, ok := c.Job(id)
	if !ok {
		return &client.ValidationError{Msg: "unknown job id: " + id}
	}

	var allowed bool
	var fallback models.JobStatus
	switch verb {
	case "pause":
		allowed = job.Status.CanPause()
		fallback = models.StatusPausing
	case "resume":
		allowed = job.Status.CanResume()
		fallback = models.StatusRunning
	case "cancel":
		allowed = job.Status.CanCancel()
		fallback = models.StatusCancelling
	}
	if !allowed {
		return &client.ValidationError{Msg: verb + " not allowed while " + string(job.Status)}
	}

	c.setInFlight(id, verb)
	defer c.clearInFlight(id)

	var ack *models.CommandAck
	var err error
	switch verb {
	case "pause":
		ack, err = c.backend.PauseJob(ctx, id)
	case "resume":
		ack, err = c.backend.ResumeJob(ctx, id)
	case "cancel":
		ack, err = c.backend.CancelJob(ctx, id)
	}
	if err != nil {
		return c.fail(verb, err)
	}
	c.clearErr()

	target := fallback
	if ack != nil && ack.Status != "" {
		target = models.JobStatus(ack.Status)
	}
	c.applyOptimistic(id, target)
	return nil
}

// applyOptimistic reflects a command locally ahead of backend confirmation.
// The transition table gates the hop; the job's version is left untouched
// so the next backend payload applies normally.
func (c *Controller) applyOptimistic(id string, target models.JobStatus) {
	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		job, ok := c.jobs[id]
		if !ok || job.Status == target {
			return
		}
		if err := models.ValidateTransition(job.Status, target); err != nil {
			c.log.Debug("skipping optimistic transition", map[string]interface{}{
				"job_id": id,
				"from":   string(job.Status),
				"to":     string(target),
			})
			return
		}
		updated := job.Clone()
		updated.Status = target
		c.jobs[id] = updated
		c.afterChangeLocked(job, updated)
	})
}

// RetryJob asks the backend to retry a terminal job. Backends differ on id
// reuse: some reset the same id, others mint a new job. Both are handled;
// the effective id is returned.
func (c *Controller) RetryJob(ctx context.Context, id string) (string, error) {
	job, ok := c.Job(id)
	if !ok {
		return "", &client.ValidationError{Msg: "unknown job id: " + id}
	}
	if !job.Status.CanRetry() {
		return "", &client.ValidationError{Msg: "retry not allowed while " + string(job.Status)}
	}

	c.setInFlight(id, "retry")
	defer c.clearInFlight(id)

	ack, err := c.backend.RetryJob(ctx, id)
	if err != nil {
		return "", c.fail("retry", err)
	}
	c.clearErr()

	newID := id
	if ack != nil && ack.JobID != "" {
		newID = ack.JobID
	}
	if newID != id {
		ph := placeholderFrom(job, newID)
		c.apply(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.mergeLocked(ph)
		})
		return newID, nil
	}

	status := models.StatusQueued
	if ack != nil && ack.Status != "" {
		status = models.JobStatus(ack.Status)
	}
	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.resetForRetryLocked(id, status)
	})
	return id, nil
}

// resetForRetryLocked is the one sanctioned mutation of a terminal job: the
// finish marker and failure detail are cleared so the next completion is a
// distinct event.
func (c *Controller) resetForRetryLocked(id string, status models.JobStatus) {
	job, ok := c.jobs[id]
	if !ok {
		return
	}
	updated := job.Clone()
	updated.Status = status
	updated.FinishedAt = nil
	updated.Error = ""
	updated.Progress = nil
	c.jobs[id] = updated
	c.afterChangeLocked(job, updated)
}

func placeholderFrom(job *models.Job, id string) *models.Job {
	now := time.Now().UTC()
	return &models.Job{
		ID:          id,
		Status:      models.StatusQueued,
		Kind:        job.Kind,
		CreatedAt:   now,
		UpdatedAt:   now,
		URLs:        append([]string(nil), job.URLs...),
		Options:     job.Options,
		Metadata:    job.Metadata,
		Placeholder: true,
	}
}

// DeleteJob removes the job on the backend and locally. Observers receive a
// removal event so any outstanding notification is cancelled.
func (c *Controller) DeleteJob(ctx context.Context, id string) error {
	if _, ok := c.Job(id); !ok {
		return &client.ValidationError{Msg: "unknown job id: " + id}
	}

	c.setInFlight(id, "delete")
	defer c.clearInFlight(id)

	if _, err := c.backend.DeleteJob(ctx, id); err != nil {
		return c.fail("delete", err)
	}
	c.clearErr()

	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.removeLocked(id, "deleted")
	})
	return nil
}

// SubmitPlaylistSelection sends the user's entry picks. An empty indices
// slice means "download everything". The awaiting flag clears locally right
// away so the job can leave the attention queue.
func (c *Controller) SubmitPlaylistSelection(ctx context.Context, id string, indices []int) error {
	job, ok := c.Job(id)
	if !ok {
		return &client.ValidationError{Msg: "unknown job id: " + id}
	}
	if job.Playlist == nil {
		return &client.ValidationError{Msg: "job has no playlist"}
	}

	c.setInFlight(id, "select")
	defer c.clearInFlight(id)

	if _, err := c.backend.SubmitSelection(ctx, id, indices); err != nil {
		return c.fail("select", err)
	}
	c.clearErr()

	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur, ok := c.jobs[id]
		if !ok || cur.Playlist == nil || !cur.Playlist.AwaitingSelection {
			return
		}
		updated := cur.Clone()
		updated.Playlist.AwaitingSelection = false
		c.jobs[id] = updated
		c.afterChangeLocked(cur, updated)
	})
	return nil
}

// LoadPlaylist hydrates or refreshes a job's playlist entries through the
// delta flow. Inline entry lists arrive on job payloads and are never
// fetched.
func (c *Controller) LoadPlaylist(ctx context.Context, id string) error {
	job, ok := c.Job(id)
	if !ok {
		return &client.ValidationError{Msg: "unknown job id: " + id}
	}
	if job.Playlist != nil && !job.Playlist.EntriesExternal && len(job.Playlist.Entries) > 0 {
		return nil
	}

	merged, applied, err := c.syncer.Sync(ctx, id, job.Playlist)
	if err != nil {
		return c.fail("load_playlist", err)
	}
	c.clearErr()
	if !applied || merged == nil {
		return nil
	}

	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		cur, ok := c.jobs[id]
		if !ok {
			return
		}
		if cur.Playlist != nil && merged.EntriesVersion <= cur.Playlist.EntriesVersion {
			// A push landed fresher entries while the fetch was in flight
			if c.collector != nil && merged.EntriesVersion < cur.Playlist.EntriesVersion {
				c.collector.RecordStaleDiscard("playlist")
			}
			return
		}
		updated := cur.Clone()
		updated.Playlist = merged
		c.jobs[id] = updated
		c.afterChangeLocked(cur, updated)
	})
	return nil
}

// EnsureDetails fetches the options and log snapshots once per job; later
// calls are no-ops. Snapshot versions guard against regressions when a
// fetch races a push update.
func (c *Controller) EnsureDetails(ctx context.Context, id string) error {
	c.mu.RLock()
	_, exists := c.jobs[id]
	h := c.hydrated[id]
	need := h == nil || !h.options || !h.logs
	c.mu.RUnlock()

	if !exists {
		return &client.ValidationError{Msg: "unknown job id: " + id}
	}
	if !need {
		return nil
	}

	opts, err := c.backend.GetOptions(ctx, id, client.SnapshotQuery{})
	if err != nil {
		return c.fail("options", err)
	}
	logs, err := c.backend.GetLogs(ctx, id, client.SnapshotQuery{})
	if err != nil {
		return c.fail("logs", err)
	}
	c.clearErr()

	c.apply(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.applyDetailsLocked(id, opts, logs)
	})
	return nil
}

func (c *Controller) applyDetailsLocked(id string, opts *models.OptionsSnapshot, logs *models.LogsSnapshot) {
	job, ok := c.jobs[id]
	if !ok {
		return
	}
	h := c.hydrated[id]
	if h == nil {
		h = &hydration{}
		c.hydrated[id] = h
	}

	updated := job.Clone()
	changed := false

	if opts != nil {
		if opts.Version != 0 && opts.Version <= h.optionsVersion {
			c.discardStaleDetailLocked(id, "options", opts.Version, h.optionsVersion)
		} else {
			if opts.Options != nil {
				updated.Options = opts.Options
				changed = true
			}
			h.optionsVersion = opts.Version
		}
		h.options = true
	}

	if logs != nil {
		if logs.Version != 0 && logs.Version <= h.logsVersion {
			c.discardStaleDetailLocked(id, "logs", logs.Version, h.logsVersion)
		} else {
			if logs.Logs != nil {
				updated.Logs = logs.Logs
				changed = true
			}
			h.logsVersion = logs.Version
		}
		h.logs = true
	}

	if !changed {
		return
	}
	c.jobs[id] = updated
	c.afterChangeLocked(job, updated)
}

func (c *Controller) discardStaleDetailLocked(id, kind string, got, have int64) {
	c.log.Debug("stale snapshot discarded", map[string]interface{}{
		"job_id": id,
		"kind":   kind,
		"got":    got,
		"have":   have,
	})
	if c.collector != nil {
		c.collector.RecordStaleDiscard(kind)
	}
}
