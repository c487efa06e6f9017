package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// IntentRequest is a job-creation request that arrived outside the normal
// UI flow, typically from an OS share action. Intents are spooled in the
// inbox until the backend is ready to accept them.
type IntentRequest struct {
	URLs          []string  `json:"urls"`
	RawText       string    `json:"raw_text,omitempty"`
	PresetID      string    `json:"preset_id,omitempty"`
	DisplayName   string    `json:"display_name,omitempty"`
	SourcePackage string    `json:"source_package,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	DirectShare   bool      `json:"direct_share,omitempty"`
}

// Fingerprint identifies an intent for dedup purposes. Two shares of the
// same content from the same source collapse into one queue slot; the
// timestamp deliberately does not participate.
func (r *IntentRequest) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.PresetID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(r.URLs, "\n")))
	h.Write([]byte{0})
	h.Write([]byte(r.RawText))
	h.Write([]byte{0})
	h.Write([]byte(r.SourcePackage))
	return hex.EncodeToString(h.Sum(nil))
}

// ToStartRequest converts the intent into the request shape the backend
// client accepts. Preset and provenance travel in metadata so the backend
// can apply preset defaults server side.
func (r *IntentRequest) ToStartRequest() *StartRequest {
	req := &StartRequest{
		URLs: append([]string(nil), r.URLs...),
	}
	meta := make(map[string]any)
	if r.PresetID != "" {
		meta["preset_id"] = r.PresetID
	}
	if r.DisplayName != "" {
		meta["display_name"] = r.DisplayName
	}
	if r.SourcePackage != "" {
		meta["source"] = r.SourcePackage
	}
	if r.RawText != "" && len(r.URLs) == 0 {
		meta["raw_text"] = r.RawText
	}
	if len(meta) > 0 {
		req.Metadata = meta
	}
	return req
}
