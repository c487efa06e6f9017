package models

// OptionsSnapshot is the out-of-band options document for jobs whose
// options were too large to inline on the summary.
type OptionsSnapshot struct {
	Version  int64          `json:"version"`
	External bool           `json:"external,omitempty"`
	Options  map[string]any `json:"options"`
}

// LogsSnapshot is the out-of-band log tail for a job.
type LogsSnapshot struct {
	Version int64      `json:"version"`
	Logs    []LogEntry `json:"logs"`
}
