package stubserver

import (
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/fetchq/fetchq/pkg/models"
)

const singleJobBytes = 10 << 20

// record pairs a job summary with its script state. Everything here is
// guarded by Server.mu.
type record struct {
	job *models.Job

	// entryVer remembers the entries_version at which each playlist
	// entry last changed, which is what the delta endpoint serves from.
	entryVer map[int]int64

	// selection is nil until the client submits one. An empty map
	// means "download everything".
	selection map[int]bool

	optionsVer int64
	logsVer    int64
}

func isPlaylistURL(raw string) bool {
	return strings.Contains(raw, "list=") || strings.Contains(raw, "playlist")
}

func filenameFor(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || path.Base(u.Path) == "" || path.Base(u.Path) == "/" || path.Base(u.Path) == "." {
		return "download.bin"
	}
	return path.Base(u.Path)
}

func (s *Server) newRecord(req *models.StartRequest, now time.Time) *record {
	job := &models.Job{
		ID:        newJobID(),
		Status:    models.StatusQueued,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
		URLs:      append([]string(nil), req.URLs...),
		Options:   req.Options,
		Metadata:  req.Metadata,
	}
	if req.Owner != "" {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, 1)
		}
		job.Metadata["owner"] = req.Owner
	}
	if len(req.URLs) > 0 && isPlaylistURL(req.URLs[0]) {
		job.Kind = models.KindPlaylist
	} else {
		job.Kind = models.KindSingle
	}
	rec := &record{
		job:        job,
		entryVer:   make(map[int]int64),
		optionsVer: 1,
	}
	s.appendLog(rec, now, "job accepted")
	return rec
}

func (s *Server) appendLog(rec *record, now time.Time, msg string) {
	rec.job.Logs = append(rec.job.Logs, models.LogEntry{
		Timestamp: now,
		Level:     "info",
		Message:   msg,
	})
	rec.logsVer++
}

func (s *Server) touch(rec *record, now time.Time) {
	rec.job.Version++
	rec.job.UpdatedAt = now
}

// advanceLocked moves one job a single scripted step. Reports whether
// the summary changed.
func (s *Server) advanceLocked(rec *record, now time.Time) bool {
	job := rec.job
	switch job.Status {
	case models.StatusQueued:
		job.Status = models.StatusStarting
		s.appendLog(rec, now, "worker assigned")

	case models.StatusStarting:
		job.Status = models.StatusRunning
		started := now
		job.StartedAt = &started
		if job.Kind == models.KindPlaylist {
			job.Playlist = &models.PlaylistSummary{
				ID:                "pl-" + job.ID[:8],
				Title:             "Playlist " + job.ID[:8],
				CollectingEntries: true,
				EntriesExternal:   true,
			}
			job.Progress = &models.Progress{Status: "discovering", Stage: "playlist"}
			s.appendLog(rec, now, "resolving playlist")
		} else {
			job.Progress = &models.Progress{
				Status:     "downloading",
				Stage:      "media",
				TotalBytes: singleJobBytes,
				Speed:      "2.0MiB/s",
				Filename:   filenameFor(job.URLs[0]),
			}
			s.appendLog(rec, now, "download started")
		}

	case models.StatusRunning:
		if job.Kind == models.KindPlaylist {
			if !s.advancePlaylistLocked(rec, now) {
				return false
			}
		} else {
			s.advanceSingleLocked(rec, now)
		}

	case models.StatusPausing:
		job.Status = models.StatusPaused
		s.appendLog(rec, now, "download paused")

	case models.StatusCancelling:
		job.Status = models.StatusCancelled
		finished := now
		job.FinishedAt = &finished
		s.appendLog(rec, now, "download cancelled")

	default:
		// paused, terminal, or an in-between state with nothing to do.
		return false
	}

	s.touch(rec, now)
	return true
}

func (s *Server) advanceSingleLocked(rec *record, now time.Time) {
	p := rec.job.Progress
	step := int64(singleJobBytes / s.cfg.StepsPerJob)
	p.DownloadedBytes += step
	if p.DownloadedBytes >= p.TotalBytes {
		p.DownloadedBytes = p.TotalBytes
		p.Percent = 100
		p.ETASeconds = 0
		s.complete(rec, now)
		return
	}
	p.Percent = float64(p.DownloadedBytes) / float64(p.TotalBytes) * 100
	p.ETASeconds = int64(s.cfg.StepsPerJob) - p.DownloadedBytes/step
}

// advancePlaylistLocked runs the playlist script: discover entries one
// per tick, optionally stop for selection, then complete the selected
// entries in index order.
func (s *Server) advancePlaylistLocked(rec *record, now time.Time) bool {
	pl := rec.job.Playlist

	if pl.CollectingEntries {
		idx := len(pl.Entries) + 1
		pl.EntriesVersion++
		pl.Entries = append(pl.Entries, models.PlaylistEntry{
			Index:  idx,
			ID:     fmt.Sprintf("e%d", idx),
			Title:  fmt.Sprintf("Track %02d", idx),
			Status: "pending",
		})
		rec.entryVer[idx] = pl.EntriesVersion
		pl.EntryCount = len(pl.Entries)
		pl.PendingItems = pl.EntryCount - pl.CompletedItems

		if pl.EntryCount >= s.cfg.PlaylistSize {
			pl.CollectingEntries = false
			s.appendLog(rec, now, fmt.Sprintf("discovered %d entries", pl.EntryCount))
			if s.cfg.AskSelection && rec.selection == nil {
				pl.AwaitingSelection = true
				s.appendLog(rec, now, "waiting for entry selection")
			}
		}
		rec.job.Progress = &models.Progress{
			Status:        "discovering",
			Stage:         "playlist",
			PlaylistTotal: pl.EntryCount,
		}
		return true
	}

	if pl.AwaitingSelection {
		return false
	}

	// Complete the next selected pending entry.
	for i := range pl.Entries {
		e := &pl.Entries[i]
		if e.Status != "pending" {
			continue
		}
		if rec.selection != nil && len(rec.selection) > 0 && !rec.selection[e.Index] {
			continue
		}
		e.Status = "completed"
		pl.EntriesVersion++
		rec.entryVer[e.Index] = pl.EntriesVersion
		pl.CompletedItems++
		pl.PendingItems = pl.EntryCount - pl.CompletedItems
		pl.CurrentIndex = e.Index
		rec.job.Progress = &models.Progress{
			Status:        "downloading",
			Stage:         "playlist",
			PlaylistTotal: pl.EntryCount,
			PlaylistDone:  pl.CompletedItems,
			Percent:       float64(pl.CompletedItems) / float64(s.selectedCount(rec)) * 100,
		}
		s.appendLog(rec, now, fmt.Sprintf("entry %d completed", e.Index))
		if pl.CompletedItems >= s.selectedCount(rec) {
			rec.job.Progress.Percent = 100
			s.complete(rec, now)
		}
		return true
	}

	// Nothing pending and nothing selected: treat as done.
	s.complete(rec, now)
	return true
}

func (s *Server) selectedCount(rec *record) int {
	pl := rec.job.Playlist
	if rec.selection == nil || len(rec.selection) == 0 {
		return pl.EntryCount
	}
	n := 0
	for _, e := range pl.Entries {
		if rec.selection[e.Index] {
			n++
		}
	}
	return n
}

func (s *Server) complete(rec *record, now time.Time) {
	rec.job.Status = models.StatusCompleted
	finished := now
	rec.job.FinishedAt = &finished
	s.appendLog(rec, now, "job completed")
}

// resetForRetry rewinds a terminal job to queued under the same id. The
// playlist is rediscovered from scratch on the next ticks.
func (s *Server) resetForRetry(rec *record, now time.Time) {
	job := rec.job
	job.Status = models.StatusQueued
	job.Error = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	job.Progress = nil
	job.Playlist = nil
	rec.selection = nil
	rec.entryVer = make(map[int]int64)
	s.appendLog(rec, now, "retry requested")
	s.touch(rec, now)
}
