package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Push frame types carried over the websocket channel.
const (
	PushJobUpdate    = "job_update"
	PushJobRemoved   = "job_removed"
	PushBackendReady = "backend_ready"
)

// PushEvent is one decoded frame from the push channel.
type PushEvent struct {
	Type  string `json:"type"`
	JobID string `json:"job_id,omitempty"`
	Job   *Job   `json:"job,omitempty"`
}

// DecodeJob decodes a job summary tolerantly: absent fields become zero
// values, malformed timestamps are replaced with the current time, and
// unknown keys are preserved in Raw. Only a missing job_id is fatal.
func DecodeJob(data []byte) (*Job, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding job summary: %w", err)
	}
	return JobFromMap(m)
}

// JobFromMap builds a Job from an already-decoded JSON object.
func JobFromMap(m map[string]any) (*Job, error) {
	id := asString(m["job_id"])
	if id == "" {
		return nil, fmt.Errorf("job summary missing job_id")
	}
	j := &Job{
		ID:        id,
		Status:    JobStatus(asString(m["status"])),
		Kind:      JobKind(asString(m["kind"])),
		Version:   asInt64(m["version"]),
		CreatedAt: asTime(m, "created_at"),
		UpdatedAt: asTime(m, "updated_at"),
		URLs:      asStringSlice(m["urls"]),
		Options:   asMap(m["options"]),
		Metadata:  asMap(m["metadata"]),
		Error:     asString(m["error"]),
		Raw:       m,
	}
	if t := asTime(m, "started_at"); !t.IsZero() {
		j.StartedAt = &t
	}
	if t := asTime(m, "finished_at"); !t.IsZero() {
		j.FinishedAt = &t
	}
	if pm, ok := m["progress"].(map[string]any); ok {
		j.Progress = progressFromMap(pm)
	}
	if pm, ok := m["playlist"].(map[string]any); ok {
		j.Playlist = PlaylistFromMap(pm)
	}
	if pm, ok := m["preview"].(map[string]any); ok {
		j.Preview = previewFromMap(pm)
	}
	j.Logs = logsFromAny(m["logs"])
	return j, nil
}

// DecodeJobs decodes a list response. Items that fail to decode are
// reported individually so one broken summary cannot hide the rest.
func DecodeJobs(data []byte) ([]*Job, []error) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		// Some backends wrap the list in an envelope.
		var env struct {
			Jobs []json.RawMessage `json:"jobs"`
		}
		if err2 := json.Unmarshal(data, &env); err2 != nil || env.Jobs == nil {
			return nil, []error{fmt.Errorf("decoding job list: %w", err)}
		}
		items = env.Jobs
	}
	jobs := make([]*Job, 0, len(items))
	var errs []error
	for i, raw := range items {
		j, err := DecodeJob(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("job list item %d: %w", i, err))
			continue
		}
		jobs = append(jobs, j)
	}
	return jobs, errs
}

// DecodePushEvent decodes one frame from the push channel.
func DecodePushEvent(data []byte) (*PushEvent, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding push frame: %w", err)
	}
	ev := &PushEvent{
		Type:  asString(m["type"]),
		JobID: asString(m["job_id"]),
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("push frame missing type")
	}
	if jm, ok := m["job"].(map[string]any); ok {
		j, err := JobFromMap(jm)
		if err != nil {
			return nil, fmt.Errorf("push frame %s: %w", ev.Type, err)
		}
		ev.Job = j
		if ev.JobID == "" {
			ev.JobID = j.ID
		}
	}
	return ev, nil
}

// DecodePlaylistUpdate decodes a delta endpoint response.
func DecodePlaylistUpdate(data []byte) (*PlaylistUpdate, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding playlist update: %w", err)
	}
	up := &PlaylistUpdate{}
	if pm, ok := m["playlist"].(map[string]any); ok {
		up.Playlist = PlaylistFromMap(pm)
	}
	if dm, ok := m["delta"].(map[string]any); ok {
		up.Delta = &PlaylistDelta{
			Type:    asString(dm["type"]),
			Version: asInt64(dm["version"]),
			Since:   asInt64(dm["since"]),
		}
	}
	if up.Playlist == nil {
		return nil, fmt.Errorf("playlist update missing playlist")
	}
	return up, nil
}

// PlaylistFromMap builds a playlist summary from a decoded JSON object.
// Exported because the synchronizer also meets bare playlist objects on
// snapshot responses.
func PlaylistFromMap(m map[string]any) *PlaylistSummary {
	p := &PlaylistSummary{
		ID:                asString(m["id"]),
		Title:             asString(m["title"]),
		EntryCount:        int(asInt64(m["entry_count"])),
		CompletedItems:    int(asInt64(m["completed_items"])),
		PendingItems:      int(asInt64(m["pending_items"])),
		CurrentIndex:      int(asInt64(m["current_index"])),
		EntriesVersion:    asInt64(m["entries_version"]),
		EntriesExternal:   asBool(m["entries_external"]),
		CollectingEntries: asBool(m["collecting_entries"]),
		AwaitingSelection: asBool(m["awaiting_selection"]),
	}
	if items, ok := m["entries"].([]any); ok {
		p.Entries = make([]PlaylistEntry, 0, len(items))
		for _, it := range items {
			em, ok := it.(map[string]any)
			if !ok {
				continue
			}
			p.Entries = append(p.Entries, PlaylistEntry{
				Index:     int(asInt64(em["index"])),
				ID:        asString(em["id"]),
				Title:     asString(em["title"]),
				Thumbnail: asString(em["thumbnail"]),
				Status:    asString(em["status"]),
			})
		}
		p.SortEntries()
	}
	return p
}

func progressFromMap(m map[string]any) *Progress {
	p := &Progress{
		Status:          asString(m["status"]),
		Stage:           asString(m["stage"]),
		Message:         asString(m["message"]),
		DownloadedBytes: asInt64(m["downloaded_bytes"]),
		TotalBytes:      asInt64(m["total_bytes"]),
		Speed:           asString(m["speed"]),
		ETASeconds:      asInt64(m["eta_seconds"]),
		Percent:         asFloat(m["percent"]),
		Filename:        asString(m["filename"]),
		PlaylistTotal:   int(asInt64(m["playlist_total"])),
		PlaylistDone:    int(asInt64(m["playlist_done"])),
	}
	if p.ETASeconds == 0 {
		p.ETASeconds = asInt64(m["eta"])
	}
	return p
}

func previewFromMap(m map[string]any) *Preview {
	pv := &Preview{
		Title:           asString(m["title"]),
		Thumbnail:       asString(m["thumbnail"]),
		Uploader:        asString(m["uploader"]),
		DurationSeconds: asInt64(m["duration_seconds"]),
	}
	if pv.DurationSeconds == 0 {
		pv.DurationSeconds = asInt64(m["duration"])
	}
	return pv
}

func logsFromAny(v any) []LogEntry {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	logs := make([]LogEntry, 0, len(items))
	for _, it := range items {
		switch e := it.(type) {
		case map[string]any:
			logs = append(logs, LogEntry{
				Timestamp: asTime(e, "ts"),
				Level:     asString(e["level"]),
				Message:   asString(e["message"]),
			})
		case string:
			logs = append(logs, LogEntry{Message: e})
		}
	}
	return logs
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case json.Number:
		f, _ := n.Float64()
		return f
	case int64:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

// asTime parses an RFC3339 timestamp field. A missing or null field is a
// zero time; a present but unparseable one substitutes the current time so
// a sloppy backend cannot zero out ordering tie-breaks.
func asTime(m map[string]any, key string) time.Time {
	v, ok := m[key]
	if !ok || v == nil {
		return time.Time{}
	}
	s, ok := v.(string)
	if !ok {
		return time.Now().UTC()
	}
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
