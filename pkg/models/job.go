package models

import (
	"strings"
	"time"
)

// JobStatus is the lifecycle status of a download job.
type JobStatus string

func (s JobStatus) String() string { return string(s) }

// JobKind distinguishes single-item jobs from multi-item playlist jobs.
type JobKind string

const (
	KindSingle   JobKind = "single"
	KindPlaylist JobKind = "playlist"
)

// Job is one queued/running/finished media-download task as reported by the
// backend. It is a value holder: all mutation happens in the controller by
// replacing the stored job with a newer revision.
type Job struct {
	ID         string     `json:"job_id"`
	Status     JobStatus  `json:"status"`
	Kind       JobKind    `json:"kind,omitempty"`
	Version    int64      `json:"version,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	URLs     []string       `json:"urls,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	Progress *Progress        `json:"progress,omitempty"`
	Playlist *PlaylistSummary `json:"playlist,omitempty"`
	Logs     []LogEntry       `json:"logs,omitempty"`
	Error    string           `json:"error,omitempty"`
	Preview  *Preview         `json:"preview,omitempty"`

	// Placeholder marks a summary synthesized client-side right after a
	// create call that returned only a job id, before the first refresh.
	Placeholder bool `json:"-"`

	// Raw preserves the full decoded payload, including keys this client
	// does not model, so nothing is dropped on round trips.
	Raw map[string]any `json:"-"`
}

// Progress is the nested progress record of an active job.
type Progress struct {
	Status          string  `json:"status,omitempty"`
	Stage           string  `json:"stage,omitempty"`
	Message         string  `json:"message,omitempty"`
	DownloadedBytes int64   `json:"downloaded_bytes,omitempty"`
	TotalBytes      int64   `json:"total_bytes,omitempty"`
	Speed           string  `json:"speed,omitempty"`
	ETASeconds      int64   `json:"eta_seconds,omitempty"`
	Percent         float64 `json:"percent,omitempty"`
	Filename        string  `json:"filename,omitempty"`
	PlaylistTotal   int     `json:"playlist_total,omitempty"`
	PlaylistDone    int     `json:"playlist_done,omitempty"`
}

// Preview is the display metadata snapshot used for labels and
// notifications before (or without) a finished file.
type Preview struct {
	Title           string `json:"title,omitempty"`
	Thumbnail       string `json:"thumbnail,omitempty"`
	Uploader        string `json:"uploader,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

// LogEntry is one backend log line attached to a job.
type LogEntry struct {
	Timestamp time.Time `json:"ts"`
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
}

// StartRequest is the payload for creating a new job.
type StartRequest struct {
	URLs     []string       `json:"urls"`
	Options  map[string]any `json:"options,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Owner    string         `json:"owner,omitempty"`
}

// CommandAck is the backend's acknowledgement of a job command. Retry acks
// may carry a job id different from the one the command targeted (the
// backend allocated a fresh job instead of resetting the old one).
type CommandAck struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// BackendState is the readiness of the local backend process, as observed
// by the launcher and consumed by the inbox and notification router.
type BackendState string

const (
	BackendNotStarted BackendState = "not-started"
	BackendStarting   BackendState = "starting"
	BackendRunning    BackendState = "running"
	BackendFailed     BackendState = "failed"
)

// IsTerminal reports whether the job reached a terminal status.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// IsVideo reports whether the job produces video output. Audio-only jobs
// carry an extract_audio option set to true.
func (j *Job) IsVideo() bool {
	if v, ok := j.Options["extract_audio"].(bool); ok && v {
		return false
	}
	return true
}

// ProgressPercent returns the best available completion percentage in
// [0,100]. Playlist jobs fall back to the completed/total entry ratio when
// the progress record carries no percentage of its own.
func (j *Job) ProgressPercent() float64 {
	if j.Status == StatusCompleted {
		return 100
	}
	if p := j.Progress; p != nil {
		if p.Percent > 0 {
			return clampPercent(p.Percent)
		}
		if p.TotalBytes > 0 && p.DownloadedBytes > 0 {
			return clampPercent(float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100)
		}
		if p.PlaylistTotal > 0 {
			return clampPercent(float64(p.PlaylistDone) / float64(p.PlaylistTotal) * 100)
		}
	}
	if pl := j.Playlist; pl != nil && pl.EntryCount > 0 {
		return clampPercent(float64(pl.CompletedItems) / float64(pl.EntryCount) * 100)
	}
	return 0
}

// MainFile returns the path of the job's primary output file, if known.
func (j *Job) MainFile() string {
	if j.Progress != nil {
		return j.Progress.Filename
	}
	return ""
}

// NeedsSelection reports whether playlist discovery is paused waiting for
// the user to pick entries.
func (j *Job) NeedsSelection() bool {
	return !j.IsTerminal() && j.Playlist != nil && j.Playlist.AwaitingSelection
}

// DisplayTitle returns the best human-readable label for the job: preview
// title, then playlist title, then the first input URL.
func (j *Job) DisplayTitle() string {
	if j.Preview != nil && j.Preview.Title != "" && !strings.HasPrefix(j.Preview.Title, "http") {
		return j.Preview.Title
	}
	if j.Playlist != nil && j.Playlist.Title != "" {
		return j.Playlist.Title
	}
	if len(j.URLs) > 0 {
		return j.URLs[0]
	}
	return j.ID
}

// Source returns the provenance tag intents stamp into metadata, e.g.
// "cli" or the package name of a sharing app. Empty for jobs created
// directly against the backend.
func (j *Job) Source() string {
	if v, ok := j.Metadata["source"].(string); ok {
		return v
	}
	return ""
}

// Clone returns a copy safe to hand to observers while the controller keeps
// mutating its own instance. Option and metadata values are opaque and
// treated as read-only, so only the containers are copied.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.URLs = append([]string(nil), j.URLs...)
	out.Options = cloneMap(j.Options)
	out.Metadata = cloneMap(j.Metadata)
	out.Logs = append([]LogEntry(nil), j.Logs...)
	out.Raw = cloneMap(j.Raw)
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	if j.Progress != nil {
		p := *j.Progress
		out.Progress = &p
	}
	if j.Preview != nil {
		p := *j.Preview
		out.Preview = &p
	}
	out.Playlist = j.Playlist.Clone()
	return &out
}

// NewerThan reports whether this revision supersedes other. Versions win
// when both sides carry one; updated-at timestamps break the tie otherwise.
// With neither, the incoming revision wins (last write).
func (j *Job) NewerThan(other *Job) bool {
	if other == nil {
		return true
	}
	if j.Version > 0 && other.Version > 0 {
		return j.Version > other.Version
	}
	if !j.UpdatedAt.IsZero() && !other.UpdatedAt.IsZero() {
		return j.UpdatedAt.After(other.UpdatedAt)
	}
	return true
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
