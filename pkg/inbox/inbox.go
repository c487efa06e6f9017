// Package inbox absorbs job-creation requests that arrive outside the
// normal UI flow, typically OS share actions, which may land before the
// backend is ready. Requests queue FIFO per distinct fingerprint and are
// dispatched one at a time; a failed dispatch halts the queue until the
// next trigger instead of skipping ahead.
package inbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
	"github.com/fetchq/fetchq/pkg/store"
)

// Dispatcher is the controller-facing surface the inbox drains into.
type Dispatcher interface {
	StartDownload(ctx context.Context, req *models.StartRequest) (*models.Job, error)
}

// Source supplies externally spooled intents, polled alongside the queue.
type Source interface {
	Drain() ([]*models.IntentRequest, error)
}

// Config wires the inbox. Dispatcher is required.
type Config struct {
	Dispatcher Dispatcher
	Store      store.Store // optional: spool survives restarts
	Source     Source      // optional: external share spool
	Presets    []Preset
	Logger     *logging.Logger
	Metrics    *metrics.Collector

	// PollInterval is how often the queue re-attempts a drain. 0 means the
	// default of five seconds.
	PollInterval time.Duration
}

const defaultPollInterval = 5 * time.Second

// Inbox is the pending-intent queue.
type Inbox struct {
	dispatcher Dispatcher
	store      store.Store
	source     Source
	log        *logging.Logger
	collector  *metrics.Collector
	poll       time.Duration
	presets    map[string]Preset

	mu    sync.Mutex
	queue []*models.IntentRequest
	index map[string]bool

	trigger chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

// New creates an inbox. When a store is configured the persisted spool is
// loaded so intents survive restarts.
func New(cfg Config) (*Inbox, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("inbox: dispatcher is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	presets := make(map[string]Preset, len(cfg.Presets))
	for _, p := range cfg.Presets {
		presets[p.ID] = p
	}

	in := &Inbox{
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		source:     cfg.Source,
		log:        log,
		collector:  cfg.Metrics,
		poll:       poll,
		presets:    presets,
		index:      make(map[string]bool),
		trigger:    make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if cfg.Store != nil {
		spooled, err := cfg.Store.ListIntents()
		if err != nil {
			return nil, err
		}
		for _, intent := range spooled {
			fp := intent.Fingerprint()
			if in.index[fp] {
				continue
			}
			in.index[fp] = true
			in.queue = append(in.queue, intent)
		}
		if len(spooled) > 0 {
			log.Info("intent spool loaded", map[string]interface{}{"intents": len(in.queue)})
		}
	}
	in.updateDepthMetric()
	return in, nil
}

// Enqueue adds an intent to the queue. Re-sharing identical content keeps
// the original queue position. A drain is triggered immediately.
func (in *Inbox) Enqueue(intent *models.IntentRequest) error {
	if intent == nil || (len(intent.URLs) == 0 && intent.RawText == "") {
		return errors.New("inbox: empty intent")
	}

	fp := intent.Fingerprint()
	in.mu.Lock()
	if in.index[fp] {
		in.mu.Unlock()
		in.log.Debug("duplicate intent ignored", map[string]interface{}{"fingerprint": fp})
		return nil
	}
	in.index[fp] = true
	in.queue = append(in.queue, intent)
	depth := len(in.queue)
	in.mu.Unlock()

	if in.store != nil {
		if err := in.store.EnqueueIntent(intent); err != nil {
			in.log.Warn("failed to spool intent", map[string]interface{}{"error": err.Error()})
		}
	}
	in.log.Info("intent queued", map[string]interface{}{"fingerprint": fp, "depth": depth})
	in.updateDepthMetric()
	in.kick()
	return nil
}

// Depth returns the number of queued intents.
func (in *Inbox) Depth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// NotifyBackendReady triggers a drain attempt, typically wired to the
// launcher's readiness transition or a push channel event.
func (in *Inbox) NotifyBackendReady() {
	in.kick()
}

func (in *Inbox) kick() {
	select {
	case in.trigger <- struct{}{}:
	default:
	}
}

// Run drains the queue on each trigger and on a fixed poll until ctx is
// done. Dispatch is serialized: this loop is the only dispatcher.
func (in *Inbox) Run(ctx context.Context) {
	defer close(in.done)

	ticker := time.NewTicker(in.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-in.quit:
			return
		case <-in.trigger:
			in.drain(ctx)
		case <-ticker.C:
			in.drainSource()
			in.drain(ctx)
		}
	}
}

// Stop terminates Run.
func (in *Inbox) Stop() {
	select {
	case <-in.quit:
	default:
		close(in.quit)
	}
	<-in.done
}

// drain dispatches from the front of the queue until it empties or a
// dispatch fails. An intent is dequeued only after its StartDownload
// succeeded; on failure the queue halts so order is preserved.
func (in *Inbox) drain(ctx context.Context) {
	for {
		in.mu.Lock()
		if len(in.queue) == 0 {
			in.mu.Unlock()
			in.updateDepthMetric()
			return
		}
		intent := in.queue[0]
		in.mu.Unlock()

		req := in.resolve(intent)
		job, err := in.dispatcher.StartDownload(ctx, req)
		if err != nil {
			in.log.Warn("intent dispatch failed, queue halted", map[string]interface{}{
				"fingerprint": intent.Fingerprint(),
				"error":       err.Error(),
			})
			if in.collector != nil {
				in.collector.RecordInboxDispatch("failed")
			}
			in.updateDepthMetric()
			return
		}

		fp := intent.Fingerprint()
		in.mu.Lock()
		if len(in.queue) > 0 && in.queue[0] == intent {
			in.queue = in.queue[1:]
		}
		delete(in.index, fp)
		in.mu.Unlock()

		if in.store != nil {
			if err := in.store.DeleteIntent(fp); err != nil {
				in.log.Warn("failed to unspool intent", map[string]interface{}{"error": err.Error()})
			}
		}
		if in.collector != nil {
			in.collector.RecordInboxDispatch("ok")
		}
		jobID := ""
		if job != nil {
			jobID = job.ID
		}
		in.log.Info("intent dispatched", map[string]interface{}{"fingerprint": fp, "job_id": jobID})
		in.updateDepthMetric()
	}
}

// drainSource pulls externally spooled intents into the queue.
func (in *Inbox) drainSource() {
	if in.source == nil {
		return
	}
	intents, err := in.source.Drain()
	if err != nil {
		in.log.Warn("intent source drain failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, intent := range intents {
		if err := in.Enqueue(intent); err != nil {
			in.log.Warn("spooled intent rejected", map[string]interface{}{"error": err.Error()})
		}
	}
}

// resolve converts an intent into a start request, folding in the preset's
// option map when the intent names one.
func (in *Inbox) resolve(intent *models.IntentRequest) *models.StartRequest {
	req := intent.ToStartRequest()
	if intent.PresetID == "" {
		return req
	}
	preset, ok := in.presets[intent.PresetID]
	if !ok {
		in.log.Warn("unknown preset, dispatching without options", map[string]interface{}{"preset_id": intent.PresetID})
		return req
	}
	if len(preset.Options) > 0 {
		opts := make(map[string]any, len(preset.Options))
		for k, v := range preset.Options {
			opts[k] = v
		}
		req.Options = opts
	}
	return req
}

func (in *Inbox) updateDepthMetric() {
	if in.collector == nil {
		return
	}
	in.collector.SetInboxDepth(in.Depth())
}
