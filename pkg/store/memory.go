package store

import (
	"errors"
	"sync"

	"github.com/fetchq/fetchq/pkg/models"
)

var (
	ErrJobNotFound = errors.New("job not found")
)

// MemoryStore is an in-memory implementation of the cache store. It backs
// tests and runs where cache durability is not wanted.
type MemoryStore struct {
	jobs      map[string]*models.Job
	intents   map[string]*models.IntentRequest
	intentSeq []string // FIFO order of intent fingerprints
	jobsMu    sync.RWMutex
	intentsMu sync.Mutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.Job),
		intents: make(map[string]*models.IntentRequest),
	}
}

// Job operations

// SaveJob adds or replaces a job in the cache. The stored copy is detached
// from the caller's pointer so later mutations do not leak into the cache.
func (s *MemoryStore) SaveJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	s.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListJobs returns all cached jobs
func (s *MemoryStore) ListJobs() ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.Clone())
	}
	return jobs, nil
}

// DeleteJob removes a job from the cache. Deleting an absent job is a no-op.
func (s *MemoryStore) DeleteJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	delete(s.jobs, id)
	return nil
}

// Intent operations

// EnqueueIntent appends an intent to the spool. A fingerprint that is
// already queued keeps its original position and payload.
func (s *MemoryStore) EnqueueIntent(intent *models.IntentRequest) error {
	s.intentsMu.Lock()
	defer s.intentsMu.Unlock()

	fp := intent.Fingerprint()
	if _, ok := s.intents[fp]; ok {
		return nil
	}
	s.intents[fp] = intent
	s.intentSeq = append(s.intentSeq, fp)
	return nil
}

// ListIntents returns queued intents in arrival order
func (s *MemoryStore) ListIntents() ([]*models.IntentRequest, error) {
	s.intentsMu.Lock()
	defer s.intentsMu.Unlock()

	intents := make([]*models.IntentRequest, 0, len(s.intentSeq))
	for _, fp := range s.intentSeq {
		intents = append(intents, s.intents[fp])
	}
	return intents, nil
}

// DeleteIntent removes an intent from the spool. Deleting an absent
// fingerprint is a no-op.
func (s *MemoryStore) DeleteIntent(fingerprint string) error {
	s.intentsMu.Lock()
	defer s.intentsMu.Unlock()

	if _, ok := s.intents[fingerprint]; !ok {
		return nil
	}
	delete(s.intents, fingerprint)
	for i, fp := range s.intentSeq {
		if fp == fingerprint {
			s.intentSeq = append(s.intentSeq[:i], s.intentSeq[i+1:]...)
			break
		}
	}
	return nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck is a no-op for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}
