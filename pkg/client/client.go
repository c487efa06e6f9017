package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
	"github.com/fetchq/fetchq/pkg/tracing"
)

const defaultMaxRedirects = 5

// Client is the HTTP adapter for the backend control plane. It never
// retries on its own; it follows redirects, classifies failures into typed
// errors, and leaves retry policy to the caller.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	tokens       *auth.TokenHolder
	log          *logging.Logger
	collector    *metrics.Collector
	tracer       *tracing.Provider
	maxRedirects int
}

// NewClient creates a client for the given API root. Redirects are handled
// manually so POST bodies can be re-sent on 307/308.
func NewClient(baseURL string, tokens *auth.TokenHolder) *Client {
	if tokens == nil {
		tokens = auth.NewTokenHolder("")
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		tokens:       tokens,
		log:          logging.NewLogger(logging.INFO, false).WithField("component", "client"),
		maxRedirects: defaultMaxRedirects,
	}
}

// NewClientWithTLS creates a client with TLS support for https backends.
func NewClientWithTLS(baseURL string, tokens *auth.TokenHolder, tlsConfig *tls.Config) *Client {
	c := NewClient(baseURL, tokens)
	c.httpClient.Transport = &http.Transport{
		TLSClientConfig: tlsConfig,
	}
	return c
}

// SetLogger replaces the default stdout logger.
func (c *Client) SetLogger(log *logging.Logger) {
	if log != nil {
		c.log = log.WithField("component", "client")
	}
}

// SetMetrics attaches a metrics collector. Optional.
func (c *Client) SetMetrics(collector *metrics.Collector) {
	c.collector = collector
}

// SetTracer attaches a tracing provider. Optional.
func (c *Client) SetTracer(tracer *tracing.Provider) {
	c.tracer = tracer
}

// SetTimeout changes the per-request timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// BaseURL returns the configured API root. The push channel derives its
// websocket URL from it.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CreateJob submits a new download. Backends either return the full summary
// (201) or just a job id (200); in the latter case a placeholder summary is
// synthesized so the controller can track the job before its first refresh.
func (c *Client) CreateJob(ctx context.Context, req *models.StartRequest) (*models.Job, error) {
	if req == nil || len(req.URLs) == 0 || strings.TrimSpace(req.URLs[0]) == "" {
		return nil, &ValidationError{Msg: "at least one non-empty url is required"}
	}

	data, _, err := c.request(ctx, http.MethodPost, "jobs.create", "jobs", req)
	if err != nil {
		return nil, err
	}

	job, err := models.DecodeJob(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode create response: %w", err)
	}
	if job.Status == "" {
		now := time.Now().UTC()
		return &models.Job{
			ID:          job.ID,
			Status:      models.StatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
			URLs:        append([]string(nil), req.URLs...),
			Options:     req.Options,
			Metadata:    req.Metadata,
			Placeholder: true,
		}, nil
	}
	return job, nil
}

// ListJobs fetches all job summaries. Malformed items are skipped and
// logged; they never abort the batch.
func (c *Client) ListJobs(ctx context.Context) ([]*models.Job, error) {
	data, _, err := c.request(ctx, http.MethodGet, "jobs.list", "jobs", nil)
	if err != nil {
		return nil, err
	}

	jobs, errs := models.DecodeJobs(data)
	if jobs == nil && len(errs) > 0 {
		return nil, fmt.Errorf("failed to decode job list: %w", errs[0])
	}
	for _, derr := range errs {
		c.log.Warn("Skipping malformed job summary", map[string]interface{}{"error": derr.Error()})
	}
	return jobs, nil
}

// GetJob fetches one job summary. An unknown id returns (nil, nil) so the
// caller can tell "gone" from "unreachable".
func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}

	data, _, err := c.request(ctx, http.MethodGet, "jobs.get", "jobs/"+url.PathEscape(id), nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return models.DecodeJob(data)
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*models.CommandAck, error) {
	return c.command(ctx, id, "cancel")
}

// PauseJob requests suspension of a job.
func (c *Client) PauseJob(ctx context.Context, id string) (*models.CommandAck, error) {
	return c.command(ctx, id, "pause")
}

// ResumeJob resumes a paused job.
func (c *Client) ResumeJob(ctx context.Context, id string) (*models.CommandAck, error) {
	return c.command(ctx, id, "resume")
}

// RetryJob retries a terminal job. The ack's job id is authoritative: some
// backends reset the same id, others allocate a fresh one.
func (c *Client) RetryJob(ctx context.Context, id string) (*models.CommandAck, error) {
	return c.command(ctx, id, "retry")
}

// DeleteJob removes a job from the backend.
func (c *Client) DeleteJob(ctx context.Context, id string) (*models.CommandAck, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}

	data, _, err := c.request(ctx, http.MethodDelete, "jobs.delete", "jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	return decodeAck(data, id), nil
}

func (c *Client) command(ctx context.Context, id, verb string) (*models.CommandAck, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}

	data, _, err := c.request(ctx, http.MethodPost, "jobs."+verb, "jobs/"+url.PathEscape(id)+"/"+verb, nil)
	if err != nil {
		return nil, err
	}
	return decodeAck(data, id), nil
}

type selectionRequest struct {
	Indices []int `json:"indices,omitempty"`
}

// SubmitSelection sends the user's playlist entry selection. Nil indices
// means "download everything".
func (c *Client) SubmitSelection(ctx context.Context, id string, indices []int) (*models.CommandAck, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}

	path := "jobs/" + url.PathEscape(id) + "/playlist/selection"
	data, _, err := c.request(ctx, http.MethodPost, "playlist.selection", path, &selectionRequest{Indices: indices})
	if err != nil {
		return nil, err
	}
	return decodeAck(data, id), nil
}

type entryRetryRequest struct {
	Indices  []int    `json:"indices,omitempty"`
	EntryIDs []string `json:"entry_ids,omitempty"`
}

// RetryEntries retries individual playlist entries, addressed by index
// and/or entry id.
func (c *Client) RetryEntries(ctx context.Context, id string, indices []int, entryIDs []string) (*models.CommandAck, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}
	if len(indices) == 0 && len(entryIDs) == 0 {
		return nil, &ValidationError{Msg: "at least one entry index or id is required"}
	}

	path := "jobs/" + url.PathEscape(id) + "/playlist/retry"
	data, _, err := c.request(ctx, http.MethodPost, "playlist.retry", path, &entryRetryRequest{Indices: indices, EntryIDs: entryIDs})
	if err != nil {
		return nil, err
	}
	return decodeAck(data, id), nil
}

// GetPlaylist fetches a full playlist snapshot. Unknown jobs return
// (nil, nil).
func (c *Client) GetPlaylist(ctx context.Context, id string, offset, limit int) (*models.PlaylistUpdate, error) {
	return c.playlistSnapshot(ctx, id, "playlist.snapshot", "/playlist", offset, limit)
}

// GetPlaylistItems fetches a page of playlist entries for playlists too
// large to inline.
func (c *Client) GetPlaylistItems(ctx context.Context, id string, offset, limit int) (*models.PlaylistUpdate, error) {
	return c.playlistSnapshot(ctx, id, "playlist.items", "/playlist/items", offset, limit)
}

func (c *Client) playlistSnapshot(ctx context.Context, id, endpoint, suffix string, offset, limit int) (*models.PlaylistUpdate, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}

	q := url.Values{}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "jobs/" + url.PathEscape(id) + suffix
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	data, _, err := c.request(ctx, http.MethodGet, endpoint, path, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return models.DecodePlaylistUpdate(data)
}

// GetPlaylistDelta fetches playlist changes since a known entries version.
// Backends without the delta endpoint yield ErrDeltaUnsupported, which the
// synchronizer turns into a snapshot fetch.
func (c *Client) GetPlaylistDelta(ctx context.Context, id string, since int64) (*models.PlaylistUpdate, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}

	path := fmt.Sprintf("jobs/%s/playlist/items/delta?since=%d", url.PathEscape(id), since)
	data, _, err := c.request(ctx, http.MethodGet, "playlist.delta", path, nil)
	if err != nil {
		switch StatusOf(err) {
		case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			return nil, ErrDeltaUnsupported
		}
		return nil, err
	}
	return models.DecodePlaylistUpdate(data)
}

// SnapshotQuery narrows an options or logs fetch.
type SnapshotQuery struct {
	Since      int64
	Detail     string
	EntryID    string
	EntryIndex int // 1-based, 0 means unset
	Limit      int // logs only
}

func (q SnapshotQuery) values() url.Values {
	v := url.Values{}
	if q.Since > 0 {
		v.Set("since", strconv.FormatInt(q.Since, 10))
	}
	if q.Detail != "" {
		v.Set("detail", q.Detail)
	}
	if q.EntryID != "" {
		v.Set("entry_id", q.EntryID)
	}
	if q.EntryIndex > 0 {
		v.Set("entry_index", strconv.Itoa(q.EntryIndex))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// GetOptions fetches the versioned options snapshot for a job. Unknown jobs
// return (nil, nil).
func (c *Client) GetOptions(ctx context.Context, id string, q SnapshotQuery) (*models.OptionsSnapshot, error) {
	data, err := c.snapshot(ctx, id, "jobs.options", "/options", q)
	if err != nil || data == nil {
		return nil, err
	}

	var snap models.OptionsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode options snapshot: %w", err)
	}
	return &snap, nil
}

// GetLogs fetches the versioned log tail for a job. Unknown jobs return
// (nil, nil).
func (c *Client) GetLogs(ctx context.Context, id string, q SnapshotQuery) (*models.LogsSnapshot, error) {
	data, err := c.snapshot(ctx, id, "jobs.logs", "/logs", q)
	if err != nil || data == nil {
		return nil, err
	}

	var snap models.LogsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode logs snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Client) snapshot(ctx context.Context, id, endpoint, suffix string, q SnapshotQuery) ([]byte, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Msg: "job id is required"}
	}

	path := "jobs/" + url.PathEscape(id) + suffix
	if v := q.values(); len(v) > 0 {
		path += "?" + v.Encode()
	}

	data, _, err := c.request(ctx, http.MethodGet, endpoint, path, nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Preview resolves display metadata for a URL without enqueueing a job.
func (c *Client) Preview(ctx context.Context, mediaURL string) (*models.Preview, error) {
	if strings.TrimSpace(mediaURL) == "" {
		return nil, &ValidationError{Msg: "url is required"}
	}

	data, _, err := c.request(ctx, http.MethodPost, "preview", "preview", map[string]string{"url": mediaURL})
	if err != nil {
		switch StatusOf(err) {
		case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
			return nil, ErrPreviewUnsupported
		}
		return nil, err
	}

	var pv models.Preview
	if err := json.Unmarshal(data, &pv); err != nil {
		return nil, fmt.Errorf("failed to decode preview: %w", err)
	}
	return &pv, nil
}

// request marshals, sends, and reads one call, recording metrics and spans.
func (c *Client) request(ctx context.Context, method, endpoint, path string, payload any) ([]byte, int, error) {
	var body []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = data
	}

	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.StartSpan(ctx, "backend "+endpoint,
			attribute.String("http.method", method),
			attribute.String("http.target", path),
		)
		defer span.End()
	}

	start := time.Now()
	resp, err := c.do(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		if c.collector != nil {
			c.collector.RecordRequest(method, endpoint, 0, time.Since(start))
		}
		if c.tracer != nil {
			tracing.SetError(ctx, err)
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &ConnError{Target: method + " " + path, Err: err}
	}

	if c.collector != nil {
		c.collector.RecordRequest(method, endpoint, resp.StatusCode, time.Since(start))
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
		if c.tracer != nil {
			tracing.SetError(ctx, apiErr)
		}
		return data, resp.StatusCode, apiErr
	}

	return data, resp.StatusCode, nil
}

// do sends one request, following redirects by hand: GET/DELETE follow all
// redirect statuses, POST re-sends its body only on 307/308 and downgrades
// to GET on 303 (and on the legacy 301/302).
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) (*http.Response, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, &ValidationError{Msg: fmt.Sprintf("invalid url %s: %v", rawURL, err)}
	}

	curMethod := method
	curBody := body

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if curBody != nil {
			reader = bytes.NewReader(curBody)
		}
		req, err := http.NewRequestWithContext(ctx, curMethod, target.String(), reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Accept", "application/json")
		if curMethod != http.MethodGet {
			req.Header.Set("Content-Type", "application/json")
		}
		if tok := c.tokens.Get(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
			req.Header.Set(auth.TokenHeader, tok)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &ConnError{Target: curMethod + " " + target.String(), Err: err}
		}

		location, redirected := redirectLocation(resp)
		if !redirected {
			return resp, nil
		}

		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if attempt == c.maxRedirects {
			return nil, fmt.Errorf("%s %s: %w", method, rawURL, ErrTooManyRedirects)
		}

		loc, err := url.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
		}
		target = target.ResolveReference(loc)
		curMethod, curBody = redirectMethod(curMethod, resp.StatusCode, curBody)

		c.log.Debug("Following redirect", map[string]interface{}{
			"status":   resp.StatusCode,
			"method":   curMethod,
			"location": target.String(),
		})
	}
}

func redirectLocation(resp *http.Response) (string, bool) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		loc := resp.Header.Get("Location")
		return loc, loc != ""
	}
	return "", false
}

// redirectMethod decides the follow-up method and body: 307/308 preserve
// both, 303 always becomes a bodyless GET, and 301/302 keep GET/DELETE
// as-is but downgrade POST to GET per long-standing client behavior.
func redirectMethod(method string, status int, body []byte) (string, []byte) {
	switch status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, body
	case http.StatusSeeOther:
		return http.MethodGet, nil
	default: // 301, 302
		if method == http.MethodPost {
			return http.MethodGet, nil
		}
		return method, body
	}
}

func decodeAck(data []byte, fallbackID string) *models.CommandAck {
	ack := &models.CommandAck{}
	if len(data) > 0 {
		_ = json.Unmarshal(data, ack)
	}
	if ack.JobID == "" {
		ack.JobID = fallbackID
	}
	return ack
}
