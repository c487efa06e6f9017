package playlist

import (
	"github.com/fetchq/fetchq/pkg/models"
)

// Apply merges a playlist update into the cached summary and reports whether
// anything changed. The entries version is the sole correctness guard: an
// update whose version is not strictly greater than the cached one is
// discarded, which makes applies idempotent and safe under racing delta and
// snapshot fetches.
//
// The update's summary object is authoritative for scalar fields. For
// full-type updates (and snapshots, which carry no delta descriptor) the
// entry list is replaced wholesale; for incremental updates entries are
// upserted by index into the cached list.
func Apply(cached *models.PlaylistSummary, update *models.PlaylistUpdate) (*models.PlaylistSummary, bool) {
	if update == nil || update.Playlist == nil {
		return cached, false
	}

	incoming := update.Playlist
	version := incoming.EntriesVersion
	if update.Delta != nil && update.Delta.Version > 0 {
		version = update.Delta.Version
	}

	if cached != nil && version <= cached.EntriesVersion {
		return cached, false
	}

	merged := incoming.Clone()
	merged.EntriesVersion = version

	// Sparse payloads may omit labels the cache already knows.
	if cached != nil {
		if merged.ID == "" {
			merged.ID = cached.ID
		}
		if merged.Title == "" {
			merged.Title = cached.Title
		}
	}

	incremental := update.Delta != nil && update.Delta.Type == models.DeltaIncremental
	if incremental && cached != nil {
		merged.Entries = upsert(cached.Entries, incoming.Entries)
	}
	merged.SortEntries()

	return merged, true
}

// upsert merges incoming entries into base: same index replaces, new
// indices insert. Base is not mutated.
func upsert(base, incoming []models.PlaylistEntry) []models.PlaylistEntry {
	out := make([]models.PlaylistEntry, len(base), len(base)+len(incoming))
	copy(out, base)
	return append(out, incoming...)
}
