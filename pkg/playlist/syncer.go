package playlist

import (
	"context"
	"errors"
	"sync"

	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
)

// Fetcher is the slice of the backend client the synchronizer needs.
type Fetcher interface {
	GetPlaylistDelta(ctx context.Context, id string, since int64) (*models.PlaylistUpdate, error)
	GetPlaylist(ctx context.Context, id string, offset, limit int) (*models.PlaylistUpdate, error)
}

// Syncer keeps per-job playlist entries current without re-transferring
// known data: delta-first, with a one-way per-job fallback to snapshot
// fetches once the backend reports the delta endpoint unsupported.
type Syncer struct {
	fetcher   Fetcher
	log       *logging.Logger
	collector *metrics.Collector

	mu          sync.Mutex
	noDeltaJobs map[string]bool
}

// NewSyncer creates a synchronizer on top of a backend client.
func NewSyncer(fetcher Fetcher, log *logging.Logger, collector *metrics.Collector) *Syncer {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Syncer{
		fetcher:     fetcher,
		log:         log.WithField("component", "playlist"),
		collector:   collector,
		noDeltaJobs: make(map[string]bool),
	}
}

// Sync fetches entry changes for one job and merges them into the cached
// summary. It returns the merged summary and whether it changed. A stale
// response is not an error; it is dropped silently.
func (s *Syncer) Sync(ctx context.Context, jobID string, cached *models.PlaylistSummary) (*models.PlaylistSummary, bool, error) {
	since := int64(0)
	if cached != nil {
		since = cached.EntriesVersion
	}

	if !s.deltaUnsupported(jobID) {
		update, err := s.fetcher.GetPlaylistDelta(ctx, jobID, since)
		switch {
		case errors.Is(err, client.ErrDeltaUnsupported):
			s.markDeltaUnsupported(jobID)
			s.record("fallback")
			s.log.Debug("Delta endpoint unsupported, using snapshots", map[string]interface{}{"job_id": jobID})
		case err != nil:
			return cached, false, err
		default:
			return s.apply(jobID, cached, update, "delta")
		}
	}

	update, err := s.fetcher.GetPlaylist(ctx, jobID, 0, 0)
	if err != nil {
		return cached, false, err
	}
	if update == nil {
		// Job no longer known to the backend; the controller's list
		// reconciliation will remove it.
		return cached, false, nil
	}
	return s.apply(jobID, cached, update, "snapshot")
}

// ApplyInline merges playlist data that arrived inline on a job summary.
// Same version rules as fetched updates.
func (s *Syncer) ApplyInline(jobID string, cached, incoming *models.PlaylistSummary) (*models.PlaylistSummary, bool) {
	if incoming == nil {
		return cached, false
	}
	merged, changed := Apply(cached, &models.PlaylistUpdate{Playlist: incoming})
	if !changed && cached != nil && incoming.EntriesVersion <= cached.EntriesVersion {
		s.discardStale(jobID, incoming.EntriesVersion, cached.EntriesVersion)
	}
	return merged, changed
}

// Forget drops per-job fallback state, e.g. after the job is deleted.
func (s *Syncer) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.noDeltaJobs, jobID)
}

func (s *Syncer) apply(jobID string, cached *models.PlaylistSummary, update *models.PlaylistUpdate, source string) (*models.PlaylistSummary, bool, error) {
	merged, changed := Apply(cached, update)
	if changed {
		s.record(source)
		return merged, true, nil
	}
	if update != nil && update.Playlist != nil && cached != nil {
		s.discardStale(jobID, update.Playlist.EntriesVersion, cached.EntriesVersion)
	}
	return merged, false, nil
}

func (s *Syncer) discardStale(jobID string, got, have int64) {
	// Stale arrivals are expected under races; debug only.
	s.log.Debug("Discarding stale playlist update", map[string]interface{}{
		"job_id":  jobID,
		"version": got,
		"cached":  have,
	})
	if s.collector != nil {
		s.collector.RecordStaleDiscard("playlist")
	}
}

func (s *Syncer) record(result string) {
	if s.collector != nil {
		s.collector.RecordDeltaFetch(result)
	}
}

func (s *Syncer) deltaUnsupported(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noDeltaJobs[jobID]
}

func (s *Syncer) markDeltaUnsupported(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noDeltaJobs[jobID] = true
}
