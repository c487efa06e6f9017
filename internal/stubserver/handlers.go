package stubserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/fetchq/fetchq/pkg/models"
)

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.URLs) == 0 || strings.TrimSpace(req.URLs[0]) == "" {
		http.Error(w, "At least one url is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	rec := s.newRecord(&req, now)
	s.jobs[rec.job.ID] = rec
	clone := rec.job.Clone()
	s.mu.Unlock()

	s.log.Info("Job created", map[string]interface{}{
		"job_id": clone.ID,
		"kind":   string(clone.Kind),
	})
	s.pushUpdate(clone)

	w.Header().Set("Content-Type", "application/json")
	if s.cfg.IDOnlyCreate {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"job_id": clone.ID})
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(clone)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		jobs = append(jobs, rec.job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	rec, ok := s.jobs[id]
	var clone *models.Job
	if ok {
		clone = rec.job.Clone()
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(clone)
}

// command builds the handler for one job verb. Gates mirror the
// client-side FSM so both ends agree on what is allowed.
func (s *Server) command(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		now := time.Now().UTC()

		s.mu.Lock()
		rec, ok := s.jobs[id]
		if !ok {
			s.mu.Unlock()
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}

		job := rec.job
		var ackStatus string
		switch verb {
		case "pause":
			if !job.Status.CanPause() {
				s.mu.Unlock()
				http.Error(w, "Job cannot be paused in state "+string(job.Status), http.StatusBadRequest)
				return
			}
			job.Status = models.StatusPausing
			ackStatus = string(models.StatusPausing)
			s.appendLog(rec, now, "pause requested")

		case "resume":
			if !job.Status.CanResume() {
				s.mu.Unlock()
				http.Error(w, "Job cannot be resumed in state "+string(job.Status), http.StatusBadRequest)
				return
			}
			job.Status = models.StatusRunning
			ackStatus = string(models.StatusRunning)
			s.appendLog(rec, now, "download resumed")

		case "cancel":
			if !job.Status.CanCancel() {
				s.mu.Unlock()
				http.Error(w, "Job cannot be cancelled in state "+string(job.Status), http.StatusBadRequest)
				return
			}
			job.Status = models.StatusCancelling
			ackStatus = string(models.StatusCancelling)
			s.appendLog(rec, now, "cancel requested")

		case "retry":
			if !job.Status.CanRetry() {
				s.mu.Unlock()
				http.Error(w, "Only finished jobs can be retried", http.StatusBadRequest)
				return
			}
			s.resetForRetry(rec, now)
			ackStatus = string(models.StatusQueued)
		}

		if verb != "retry" {
			s.touch(rec, now)
		}
		clone := job.Clone()
		s.mu.Unlock()

		s.log.Info("Job command applied", map[string]interface{}{
			"job_id": id,
			"verb":   verb,
			"status": ackStatus,
		})
		s.pushUpdate(clone)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"job_id": id,
			"status": ackStatus,
		})
	}
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	s.log.Info("Job deleted", map[string]interface{}{"job_id": id})
	s.pushRemoval(id)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"job_id": id,
		"status": "deleted",
	})
}

func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Indices []int `json:"indices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()

	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	pl := rec.job.Playlist
	if pl == nil {
		s.mu.Unlock()
		http.Error(w, "Job has no playlist", http.StatusBadRequest)
		return
	}

	rec.selection = make(map[int]bool, len(req.Indices))
	for _, idx := range req.Indices {
		rec.selection[idx] = true
	}

	// Entries left out of the selection are skipped, each bump visible
	// to the delta endpoint.
	if len(rec.selection) > 0 {
		for i := range pl.Entries {
			e := &pl.Entries[i]
			if e.Status == "pending" && !rec.selection[e.Index] {
				e.Status = "skipped"
				pl.EntriesVersion++
				rec.entryVer[e.Index] = pl.EntriesVersion
			}
		}
	}
	pl.AwaitingSelection = false
	pl.PendingItems = s.selectedCount(rec) - pl.CompletedItems
	s.appendLog(rec, now, "selection received")
	s.touch(rec, now)
	clone := rec.job.Clone()
	status := string(rec.job.Status)
	s.mu.Unlock()

	s.pushUpdate(clone)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"job_id": id,
		"status": status,
	})
}

func (s *Server) handleEntryRetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Indices  []int    `json:"indices"`
		EntryIDs []string `json:"entry_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Indices) == 0 && len(req.EntryIDs) == 0 {
		http.Error(w, "At least one entry index or id is required", http.StatusBadRequest)
		return
	}
	now := time.Now().UTC()

	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	pl := rec.job.Playlist
	if pl == nil {
		s.mu.Unlock()
		http.Error(w, "Job has no playlist", http.StatusBadRequest)
		return
	}

	targets := make(map[int]bool, len(req.Indices))
	for _, idx := range req.Indices {
		targets[idx] = true
	}
	byID := make(map[string]bool, len(req.EntryIDs))
	for _, eid := range req.EntryIDs {
		byID[eid] = true
	}

	retried := 0
	for i := range pl.Entries {
		e := &pl.Entries[i]
		if !targets[e.Index] && !byID[e.ID] {
			continue
		}
		if e.Status == "pending" {
			continue
		}
		if e.Status == "completed" {
			pl.CompletedItems--
		}
		e.Status = "pending"
		pl.EntriesVersion++
		rec.entryVer[e.Index] = pl.EntriesVersion
		if rec.selection != nil {
			rec.selection[e.Index] = true
		}
		retried++
	}
	if retried == 0 {
		s.mu.Unlock()
		http.Error(w, "No matching entries to retry", http.StatusBadRequest)
		return
	}

	pl.PendingItems = s.selectedCount(rec) - pl.CompletedItems
	if rec.job.Status.IsTerminal() {
		rec.job.Status = models.StatusRunning
		rec.job.FinishedAt = nil
	}
	s.appendLog(rec, now, "entry retry requested")
	s.touch(rec, now)
	clone := rec.job.Clone()
	status := string(rec.job.Status)
	s.mu.Unlock()

	s.pushUpdate(clone)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"job_id": id,
		"status": status,
	})
}

func parsePage(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	offset, _ = strconv.Atoi(q.Get("offset"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	return offset, limit
}

func pageEntries(entries []models.PlaylistEntry, offset, limit int) []models.PlaylistEntry {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(entries) {
		return nil
	}
	page := entries[offset:]
	if limit > 0 && limit < len(page) {
		page = page[:limit]
	}
	return append([]models.PlaylistEntry(nil), page...)
}

// playlistPayload snapshots the summary with a chosen entry window so
// handlers can respond without holding the lock.
func playlistPayload(pl *models.PlaylistSummary, entries []models.PlaylistEntry) *models.PlaylistSummary {
	out := *pl
	out.Entries = entries
	return &out
}

func (s *Server) handlePlaylistSnapshot(w http.ResponseWriter, r *http.Request) {
	s.servePlaylistPage(w, r)
}

// handlePlaylistItems serves the same shape as the snapshot route; it
// exists so clients can page large playlists without re-reading the
// summary scalars.
func (s *Server) handlePlaylistItems(w http.ResponseWriter, r *http.Request) {
	s.servePlaylistPage(w, r)
}

func (s *Server) servePlaylistPage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	offset, limit := parsePage(r)

	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Playlist == nil {
		s.mu.Unlock()
		http.Error(w, "Playlist not found", http.StatusNotFound)
		return
	}
	pl := rec.job.Playlist
	payload := playlistPayload(pl, pageEntries(pl.Entries, offset, limit))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"playlist": payload,
	})
}

func (s *Server) handlePlaylistDelta(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DisableDelta {
		http.Error(w, "Delta endpoint not available", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)

	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok || rec.job.Playlist == nil {
		s.mu.Unlock()
		http.Error(w, "Playlist not found", http.StatusNotFound)
		return
	}
	pl := rec.job.Playlist
	var changed []models.PlaylistEntry
	for _, e := range pl.Entries {
		if rec.entryVer[e.Index] > since {
			changed = append(changed, e)
		}
	}
	payload := playlistPayload(pl, changed)
	version := pl.EntriesVersion
	s.mu.Unlock()

	deltaType := "incremental"
	if since == 0 {
		deltaType = "full"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"playlist": payload,
		"delta": map[string]interface{}{
			"type":    deltaType,
			"version": version,
			"since":   since,
		},
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	opts := rec.job.Options
	if opts == nil {
		opts = map[string]any{}
	}
	snap := models.OptionsSnapshot{Version: rec.optionsVer, Options: opts}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	s.mu.Lock()
	rec, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	logs := append([]models.LogEntry(nil), rec.job.Logs...)
	version := rec.logsVer
	s.mu.Unlock()

	if limit > 0 && limit < len(logs) {
		logs = logs[len(logs)-limit:]
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.LogsSnapshot{Version: version, Logs: logs})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}

	u, err := url.Parse(req.URL)
	if err != nil {
		http.Error(w, "Invalid url", http.StatusBadRequest)
		return
	}
	title := path.Base(u.Path)
	if title == "" || title == "/" || title == "." {
		title = u.Host
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(models.Preview{
		Title:           title,
		Uploader:        u.Host,
		DurationSeconds: 213,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}
