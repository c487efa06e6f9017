package models

import (
	"sort"
)

// PlaylistSummary describes the multi-item side of a playlist job. Entries
// are kept sorted by index ascending with no duplicate indices; the
// synchronizer enforces that on every merge.
type PlaylistSummary struct {
	ID             string `json:"id,omitempty"`
	Title          string `json:"title,omitempty"`
	EntryCount     int    `json:"entry_count"`
	CompletedItems int    `json:"completed_items"`
	PendingItems   int    `json:"pending_items"`
	CurrentIndex   int    `json:"current_index,omitempty"`

	Entries []PlaylistEntry `json:"entries,omitempty"`

	// EntriesVersion increases monotonically; a snapshot or delta stamped
	// with a version <= the cached one is stale and must be ignored.
	EntriesVersion int64 `json:"entries_version"`

	// EntriesExternal marks playlists whose entry list is too large to ride
	// along on the job summary and must be fetched out of band.
	EntriesExternal bool `json:"entries_external,omitempty"`

	// CollectingEntries means discovery is still running and EntryCount is
	// not final. A playlist with zero entries while collecting is
	// "discovering", never "empty".
	CollectingEntries bool `json:"collecting_entries,omitempty"`

	// AwaitingSelection means discovery paused until the user picks which
	// entries to download.
	AwaitingSelection bool `json:"awaiting_selection,omitempty"`
}

// PlaylistEntry is one item of a playlist job, keyed by its 1-based index.
type PlaylistEntry struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Status    string `json:"status,omitempty"`
}

// Delta types reported by the playlist delta endpoint.
const (
	DeltaFull        = "full"
	DeltaIncremental = "incremental"
)

// PlaylistDelta describes how the entries in a PlaylistUpdate relate to the
// client's cached state.
type PlaylistDelta struct {
	Type    string `json:"type"`
	Version int64  `json:"version"`
	Since   int64  `json:"since,omitempty"`
}

// PlaylistUpdate is the body of a delta fetch: the (possibly partial)
// summary plus the delta descriptor. Snapshot fetches are converted to a
// full-type update before merging so there is a single apply path.
type PlaylistUpdate struct {
	Playlist *PlaylistSummary `json:"playlist"`
	Delta    *PlaylistDelta   `json:"delta,omitempty"`
}

// Discovering reports whether the playlist should render as "still
// discovering" rather than empty or done.
func (p *PlaylistSummary) Discovering() bool {
	return p != nil && p.CollectingEntries
}

// Entry returns the entry at the given 1-based index, if present.
func (p *PlaylistSummary) Entry(index int) (PlaylistEntry, bool) {
	if p == nil {
		return PlaylistEntry{}, false
	}
	i := sort.Search(len(p.Entries), func(i int) bool { return p.Entries[i].Index >= index })
	if i < len(p.Entries) && p.Entries[i].Index == index {
		return p.Entries[i], true
	}
	return PlaylistEntry{}, false
}

// SortEntries restores the index-ascending order and drops duplicate
// indices, keeping the last occurrence (later payload entries win).
func (p *PlaylistSummary) SortEntries() {
	if p == nil || len(p.Entries) == 0 {
		return
	}
	sort.SliceStable(p.Entries, func(i, j int) bool { return p.Entries[i].Index < p.Entries[j].Index })
	out := p.Entries[:0]
	for _, e := range p.Entries {
		if n := len(out); n > 0 && out[n-1].Index == e.Index {
			out[n-1] = e
			continue
		}
		out = append(out, e)
	}
	p.Entries = out
}

// Clone deep-copies the summary.
func (p *PlaylistSummary) Clone() *PlaylistSummary {
	if p == nil {
		return nil
	}
	out := *p
	out.Entries = append([]PlaylistEntry(nil), p.Entries...)
	return &out
}
