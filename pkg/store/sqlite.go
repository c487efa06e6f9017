package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fetchq/fetchq/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the cache store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Connection string parameters for concurrent access:
	// - _journal_mode=WAL: readers do not block the writer
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _synchronous=NORMAL: balance between safety and performance
	// - _cache_size=-8000: 8MB memory cache
	// - _txlock=immediate: acquire the write lock at transaction start
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_cache_size=-8000&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to avoid SQLITE_BUSY under concurrent saves
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		version INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		kind TEXT,
		placeholder INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intents (
		fingerprint TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_intents_created ON intents(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Job operations

// SaveJob adds or replaces a job in the cache. The full decoded job travels
// in the payload column; id, version and status are broken out for queries.
func (s *SQLiteStore) SaveJob(job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO jobs (id, version, status, kind, placeholder, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Version, string(job.Status), string(job.Kind), job.Placeholder,
		string(payload), job.UpdatedAt.UTC())

	return err
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	var payload string
	var placeholder bool

	err := s.db.QueryRow(`
		SELECT payload, placeholder FROM jobs WHERE id = ?
	`, id).Scan(&payload, &placeholder)

	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}

	return decodeJobRow(payload, placeholder)
}

// ListJobs returns all cached jobs, most recently updated first
func (s *SQLiteStore) ListJobs() ([]*models.Job, error) {
	rows, err := s.db.Query(`
		SELECT payload, placeholder FROM jobs ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var payload string
		var placeholder bool
		if err := rows.Scan(&payload, &placeholder); err != nil {
			return nil, err
		}
		job, err := decodeJobRow(payload, placeholder)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob removes a job from the cache. Deleting an absent job is a no-op.
func (s *SQLiteStore) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func decodeJobRow(payload string, placeholder bool) (*models.Job, error) {
	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	// Placeholder is excluded from the JSON payload, restore it from its column
	job.Placeholder = placeholder
	return &job, nil
}

// Intent operations

// EnqueueIntent appends an intent to the spool. A fingerprint that is
// already queued keeps its original position and payload.
func (s *SQLiteStore) EnqueueIntent(intent *models.IntentRequest) error {
	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal intent: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO intents (fingerprint, payload, created_at)
		VALUES (?, ?, ?)
	`, intent.Fingerprint(), string(payload), time.Now().UTC())

	return err
}

// ListIntents returns queued intents in arrival order
func (s *SQLiteStore) ListIntents() ([]*models.IntentRequest, error) {
	rows, err := s.db.Query(`
		SELECT payload FROM intents ORDER BY created_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []*models.IntentRequest
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var intent models.IntentRequest
		if err := json.Unmarshal([]byte(payload), &intent); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent payload: %w", err)
		}
		intents = append(intents, &intent)
	}
	return intents, rows.Err()
}

// DeleteIntent removes an intent from the spool. Deleting an absent
// fingerprint is a no-op.
func (s *SQLiteStore) DeleteIntent(fingerprint string) error {
	_, err := s.db.Exec(`DELETE FROM intents WHERE fingerprint = ?`, fingerprint)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection is alive
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}
