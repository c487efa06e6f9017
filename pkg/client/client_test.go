package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/models"
)

func TestCreateJob_FullSummary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/jobs" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"job_id":"j1","status":"queued","created_at":"2024-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	job, err := c.CreateJob(context.Background(), &models.StartRequest{URLs: []string{"https://example.com/v"}})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.ID != "j1" || job.Status != models.StatusQueued {
		t.Errorf("job = %+v, want j1 queued", job)
	}
	if job.Placeholder {
		t.Error("Placeholder = true for a full summary response")
	}
}

func TestCreateJob_SynthesizesPlaceholder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"job_id":"j9"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	job, err := c.CreateJob(context.Background(), &models.StartRequest{
		URLs:    []string{"https://example.com/v"},
		Options: map[string]any{"extract_audio": true},
	})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if job.ID != "j9" {
		t.Errorf("ID = %q, want j9", job.ID)
	}
	if !job.Placeholder {
		t.Error("Placeholder = false, want synthesized placeholder")
	}
	if job.Status != models.StatusQueued {
		t.Errorf("Status = %v, want queued", job.Status)
	}
	if len(job.URLs) != 1 || job.URLs[0] != "https://example.com/v" {
		t.Errorf("URLs = %v, want request urls carried over", job.URLs)
	}
}

func TestCreateJob_ValidatesBeforeNetwork(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	_, err := c.CreateJob(context.Background(), &models.StartRequest{URLs: []string{"  "}})

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	if called {
		t.Error("server was contacted for invalid input")
	}
}

func TestGetJob_NotFoundReturnsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown job"}`, http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	job, err := c.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetJob() error = %v, want nil for 404", err)
	}
	if job != nil {
		t.Errorf("job = %+v, want nil", job)
	}
}

func TestCommandError_CarriesStatusAndBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"job already terminal"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	_, err := c.CancelJob(context.Background(), "j1")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.Status != http.StatusConflict {
		t.Errorf("Status = %d, want 409", apiErr.Status)
	}
	if apiErr.Body != `{"error":"job already terminal"}` {
		t.Errorf("Body = %q, want response body", apiErr.Body)
	}
}

func TestUnreachableBackend_IsConnError(t *testing.T) {
	// Nothing listens on this port.
	c := NewClient("http://127.0.0.1:1", nil)
	_, err := c.ListJobs(context.Background())
	if !IsConnError(err) {
		t.Fatalf("error = %v, want ConnError", err)
	}
}

func TestPostRedirect_BoundedAtSixAttempts(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Location", "/jobs")
		w.WriteHeader(http.StatusPermanentRedirect)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	_, err := c.CreateJob(context.Background(), &models.StartRequest{URLs: []string{"https://example.com/v"}})
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("error = %v, want ErrTooManyRedirects", err)
	}
	if attempts != 6 {
		t.Errorf("attempts = %d, want 6 (initial + 5 redirects)", attempts)
	}
}

func TestPostRedirect_303DowngradesToGet(t *testing.T) {
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method+" "+r.URL.Path)
		if r.URL.Path == "/jobs/j1/cancel" {
			w.Header().Set("Location", "/acks/j1")
			w.WriteHeader(http.StatusSeeOther)
			return
		}
		w.Write([]byte(`{"job_id":"j1","status":"cancelling"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	ack, err := c.CancelJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("CancelJob() error = %v", err)
	}
	if ack.JobID != "j1" || ack.Status != "cancelling" {
		t.Errorf("ack = %+v, want j1 cancelling", ack)
	}
	want := []string{"POST /jobs/j1/cancel", "GET /acks/j1"}
	if len(methods) != 2 || methods[0] != want[0] || methods[1] != want[1] {
		t.Errorf("requests = %v, want %v", methods, want)
	}
}

func TestPostRedirect_307ResendsBody(t *testing.T) {
	var bodies []string
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		methods = append(methods, r.Method)
		if r.URL.Path == "/jobs" {
			w.Header().Set("Location", "/v2/jobs")
			w.WriteHeader(http.StatusTemporaryRedirect)
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"job_id":"j1","status":"queued","created_at":"2024-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	_, err := c.CreateJob(context.Background(), &models.StartRequest{URLs: []string{"https://example.com/v"}})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("got %d requests, want 2", len(bodies))
	}
	if methods[1] != http.MethodPost {
		t.Errorf("follow-up method = %s, want POST", methods[1])
	}
	if bodies[0] != bodies[1] || bodies[0] == "" {
		t.Errorf("bodies differ across 307: %q vs %q", bodies[0], bodies[1])
	}
}

func TestGetFollowsRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/jobs" {
			w.Header().Set("Location", "/v2/jobs")
			w.WriteHeader(http.StatusFound)
			return
		}
		w.Write([]byte(`{"jobs":[{"job_id":"j1","status":"queued","created_at":"2024-01-01T00:00:00Z"}]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	jobs, err := c.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j1" {
		t.Errorf("jobs = %+v, want one job j1", jobs)
	}
}

func TestAuthHeaders_RotateWithHolder(t *testing.T) {
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+r.Header.Get(auth.TokenHeader) {
			t.Errorf("bearer and %s headers disagree", auth.TokenHeader)
		}
		seen = append(seen, r.Header.Get(auth.TokenHeader))
		w.Write([]byte(`{"jobs":[]}`))
	}))
	defer server.Close()

	holder := auth.NewTokenHolder("tok-1")
	c := NewClient(server.URL, holder)

	if _, err := c.ListJobs(context.Background()); err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	holder.Set("tok-2")
	if _, err := c.ListJobs(context.Background()); err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}

	if len(seen) != 2 || seen[0] != "tok-1" || seen[1] != "tok-2" {
		t.Errorf("tokens seen = %v, want rotation to tok-2", seen)
	}
}

func TestGetPlaylistDelta_Unsupported(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := NewClient(server.URL, nil)
		_, err := c.GetPlaylistDelta(context.Background(), "j1", 0)
		if !errors.Is(err, ErrDeltaUnsupported) {
			t.Errorf("status %d: error = %v, want ErrDeltaUnsupported", status, err)
		}
		server.Close()
	}
}

func TestListJobs_SkipsMalformedItems(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jobs":[
			{"job_id":"j1","status":"queued","created_at":"2024-01-01T00:00:00Z"},
			{"status":"no id here"},
			{"job_id":"j2","status":"running","created_at":"2024-01-01T00:00:00Z"}
		]}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	jobs, err := c.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2 (bad item skipped)", len(jobs))
	}
}

func TestGetOptionsAndLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/jobs/j1/options":
			if got := r.URL.Query().Get("since"); got != "3" {
				t.Errorf("since = %q, want 3", got)
			}
			json.NewEncoder(w).Encode(models.OptionsSnapshot{Version: 4, Options: map[string]any{"format": "best"}})
		case "/jobs/j1/logs":
			if got := r.URL.Query().Get("limit"); got != "50" {
				t.Errorf("limit = %q, want 50", got)
			}
			json.NewEncoder(w).Encode(models.LogsSnapshot{Version: 2, Logs: []models.LogEntry{{Message: "hello"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)

	opts, err := c.GetOptions(context.Background(), "j1", SnapshotQuery{Since: 3})
	if err != nil {
		t.Fatalf("GetOptions() error = %v", err)
	}
	if opts.Version != 4 || opts.Options["format"] != "best" {
		t.Errorf("options = %+v, want version 4", opts)
	}

	logs, err := c.GetLogs(context.Background(), "j1", SnapshotQuery{Limit: 50})
	if err != nil {
		t.Fatalf("GetLogs() error = %v", err)
	}
	if logs.Version != 2 || len(logs.Logs) != 1 {
		t.Errorf("logs = %+v, want version 2 with one entry", logs)
	}
}

func TestPreview_Unsupported(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	_, err := c.Preview(context.Background(), "https://example.com/v")
	if !errors.Is(err, ErrPreviewUnsupported) {
		t.Fatalf("error = %v, want ErrPreviewUnsupported", err)
	}
}
