// Package stubserver is a fake download backend for development and
// tests. It implements the full control-plane surface the client
// speaks, against an in-memory job table driven by a scripted
// lifecycle: accepted jobs move queued→starting→running→completed on a
// ticker, playlist jobs discover entries one per tick, and every
// mutation is pushed over the websocket hub. Nothing is ever
// downloaded.
package stubserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/middleware"
	"github.com/fetchq/fetchq/pkg/models"
)

const tokenSession = "stub"

// Config tunes the scripted backend.
type Config struct {
	// Token pins the session token. Empty mints a random one; read it
	// back with Token().
	Token string

	// TickInterval is the lifecycle cadence. Default 500ms.
	TickInterval time.Duration

	// StepsPerJob is how many running ticks a single-file job takes.
	// Default 5.
	StepsPerJob int

	// PlaylistSize is how many entries a playlist job discovers.
	// Default 5.
	PlaylistSize int

	// AskSelection stops playlist jobs at awaiting_selection after
	// discovery until a selection is submitted.
	AskSelection bool

	// DisableDelta turns the playlist delta endpoint into a 404 so
	// clients exercise their snapshot fallback.
	DisableDelta bool

	// IDOnlyCreate makes job creation answer 200 {"job_id":...} instead
	// of 201 with the full summary, mimicking backends that defer the
	// first summary to the push channel.
	IDOnlyCreate bool

	Logger  *logging.Logger
	Metrics *metrics.Collector
}

// Server is the stub backend. Construct with New, wire Handler into an
// http.Server (or httptest), and call Start to run the lifecycle.
type Server struct {
	cfg   Config
	log   *logging.Logger
	tm    *auth.TokenManager
	token string
	hub   *hub

	mu   sync.Mutex
	jobs map[string]*record

	startOnce sync.Once
	stopOnce  sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// New builds a stub server and mints (or registers) its session token.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.INFO, false)
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.StepsPerJob <= 0 {
		cfg.StepsPerJob = 5
	}
	if cfg.PlaylistSize <= 0 {
		cfg.PlaylistSize = 5
	}

	tm := auth.NewTokenManager()
	token := cfg.Token
	if token == "" {
		minted, err := tm.Issue(tokenSession, 0)
		if err != nil {
			return nil, err
		}
		token = minted
	} else {
		if err := tm.Register(tokenSession, token, 0); err != nil {
			return nil, err
		}
	}

	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		tm:    tm,
		token: token,
		hub:   newHub(cfg.Logger),
		jobs:  make(map[string]*record),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}, nil
}

// Token returns the session token clients must present.
func (s *Server) Token() string {
	return s.token
}

// Handler returns the routed and authenticated HTTP surface.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.registerRoutes(r)

	var h http.Handler = r
	h = middleware.Auth(s.verifyToken, "/health", "/metrics")(h)
	h = middleware.RequestLog(s.log)(h)
	return h
}

func (s *Server) verifyToken(token string) error {
	return s.tm.Verify(tokenSession, token)
}

func (s *Server) registerRoutes(r *mux.Router) {
	// Register specific routes before parameterized ones.
	r.HandleFunc("/jobs/{id}/playlist/items/delta", s.handlePlaylistDelta).Methods("GET")
	r.HandleFunc("/jobs/{id}/playlist/items", s.handlePlaylistItems).Methods("GET")
	r.HandleFunc("/jobs/{id}/playlist/selection", s.handleSelection).Methods("POST")
	r.HandleFunc("/jobs/{id}/playlist/retry", s.handleEntryRetry).Methods("POST")
	r.HandleFunc("/jobs/{id}/playlist", s.handlePlaylistSnapshot).Methods("GET")
	r.HandleFunc("/jobs/{id}/options", s.handleOptions).Methods("GET")
	r.HandleFunc("/jobs/{id}/logs", s.handleLogs).Methods("GET")
	r.HandleFunc("/jobs/{id}/pause", s.command("pause")).Methods("POST")
	r.HandleFunc("/jobs/{id}/resume", s.command("resume")).Methods("POST")
	r.HandleFunc("/jobs/{id}/cancel", s.command("cancel")).Methods("POST")
	r.HandleFunc("/jobs/{id}/retry", s.command("retry")).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods("DELETE")
	r.HandleFunc("/jobs", s.handleCreateJob).Methods("POST")
	r.HandleFunc("/jobs", s.handleListJobs).Methods("GET")
	r.HandleFunc("/preview", s.handlePreview).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.hub.serveWS).Methods("GET")
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics.Handler()).Methods("GET")
	}
}

// Start launches the push hub and the lifecycle ticker.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.hub.run()
		go s.tickLoop()
	})
}

// Stop halts the lifecycle and disconnects push subscribers.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		close(s.hub.done)
		<-s.done
	})
}

func (s *Server) tickLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.tick(time.Now().UTC())
		}
	}
}

// tick advances every job one scripted step and pushes the changes.
func (s *Server) tick(now time.Time) {
	s.mu.Lock()
	var changed []*models.Job
	for _, rec := range s.jobs {
		if s.advanceLocked(rec, now) {
			changed = append(changed, rec.job.Clone())
		}
	}
	s.mu.Unlock()

	for _, job := range changed {
		s.pushUpdate(job)
	}
}

func (s *Server) pushUpdate(job *models.Job) {
	s.hub.broadcastFrame(map[string]any{
		"type": models.PushJobUpdate,
		"job":  job,
	})
}

func (s *Server) pushRemoval(id string) {
	s.hub.broadcastFrame(map[string]any{
		"type":   models.PushJobRemoved,
		"job_id": id,
	})
}

func newJobID() string {
	return uuid.New().String()
}
