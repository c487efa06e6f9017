package store

import (
	"github.com/fetchq/fetchq/pkg/models"
)

// Store persists the client-side job cache and the pending-intent spool
// across process restarts. Implementations must be safe for concurrent use.
type Store interface {
	// Job cache operations
	SaveJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	ListJobs() ([]*models.Job, error)
	DeleteJob(id string) error

	// Pending-intent spool operations
	EnqueueIntent(intent *models.IntentRequest) error
	ListIntents() ([]*models.IntentRequest, error)
	DeleteIntent(fingerprint string) error

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds cache store configuration
type Config struct {
	Type string // "sqlite" or "memory"
	DSN  string // Connection string

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		// Default to SQLite so the cache survives restarts
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "fetchq.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedStore
	}
}

var (
	ErrUnsupportedStore = NewError("unsupported store type")
)

// NewError creates a new error with message
func NewError(message string) error {
	return &storeError{message: message}
}

type storeError struct {
	message string
}

func (e *storeError) Error() string {
	return e.message
}
