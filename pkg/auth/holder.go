package auth

import "sync"

// TokenHeader is the duplicate token header sent alongside the standard
// Authorization bearer header. Some embedded backends only read this one.
const TokenHeader = "X-Fetchq-Token"

// TokenHolder is the client-side counterpart of TokenManager: it holds the
// current bearer token and allows rotating it at runtime, e.g. when the
// backend process restarts and prints a fresh token. Safe for concurrent
// use; the HTTP client reads it on every request.
type TokenHolder struct {
	mu    sync.RWMutex
	token string
}

// NewTokenHolder creates a holder with an initial token (may be empty).
func NewTokenHolder(token string) *TokenHolder {
	return &TokenHolder{token: token}
}

// Get returns the current token.
func (h *TokenHolder) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Set replaces the current token.
func (h *TokenHolder) Set(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.token = token
}
