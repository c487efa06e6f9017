package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/controller"
	"github.com/fetchq/fetchq/pkg/inbox"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
	"github.com/fetchq/fetchq/pkg/notify"
	"github.com/fetchq/fetchq/pkg/shutdown"
	"github.com/fetchq/fetchq/pkg/store"
	"github.com/fetchq/fetchq/pkg/stream"
	"github.com/fetchq/fetchq/pkg/tracing"
)

var (
	watchDB          string
	watchMemory      bool
	watchRefresh     time.Duration
	watchMetricsAddr string
	watchNoStream    bool
	watchPreset      string
	watchOTLP        string
)

var watchCmd = &cobra.Command{
	Use:   "watch [url...]",
	Short: "Mirror the backend live and keep jobs moving",
	Long: `Watch runs the full client core as a long-lived session: a local job
mirror fed by the push channel and periodic refreshes, a notification
router, and the pending-intent inbox. URLs given as arguments are queued
through the inbox and dispatched once the backend is ready.

Example:
  fetchq watch
  fetchq watch --metrics-addr 127.0.0.1:9090
  fetchq watch --preset audio https://example.com/watch?v=abc`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchDB, "db", "", "sqlite snapshot cache path (default $HOME/.fetchq/fetchq.db)")
	watchCmd.Flags().BoolVar(&watchMemory, "memory", false, "keep the snapshot cache in memory only")
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", 10*time.Second, "pull refresh interval")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (empty = off)")
	watchCmd.Flags().BoolVar(&watchNoStream, "no-stream", false, "disable the websocket push channel, poll only")
	watchCmd.Flags().StringVar(&watchPreset, "preset", "", "preset id applied to URLs queued from arguments")
	watchCmd.Flags().StringVar(&watchOTLP, "otlp-endpoint", "", "export request traces to this OTLP HTTP endpoint (empty = off)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := newLogger()
	collector := metrics.NewCollector()

	var tp *tracing.Provider
	if watchOTLP != "" {
		var err error
		tp, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "fetchq",
			ServiceVersion: appVersion,
			Environment:    "cli",
			OTLPEndpoint:   watchOTLP,
			Enabled:        true,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
	}

	st, err := openWatchStore()
	if err != nil {
		return err
	}

	tokens := auth.NewTokenHolder(GetToken())
	var api *client.Client
	if clientTLS != nil {
		api = client.NewClientWithTLS(GetServerURL(), tokens, clientTLS)
	} else {
		api = client.NewClient(GetServerURL(), tokens)
	}
	api.SetLogger(log)
	api.SetMetrics(collector)
	if tp != nil {
		api.SetTracer(tp)
	}

	ctrl, err := controller.New(controller.Config{
		Backend: api,
		Store:   st,
		Logger:  log,
		Metrics: collector,
	})
	if err != nil {
		return err
	}
	ctrl.Start()
	if err := ctrl.LoadFromStore(); err != nil {
		log.Warn("Failed to load cached jobs", map[string]interface{}{"error": err.Error()})
	}

	router, err := notify.NewRouter(notify.Config{
		Notifier: notify.NewLogNotifier(log),
		Logger:   log,
		Metrics:  collector,
	})
	if err != nil {
		return err
	}

	presets, err := inbox.LoadPresets(presetsPath())
	if err != nil {
		log.Warn("Failed to load presets", map[string]interface{}{"error": err.Error()})
	}
	in, err := inbox.New(inbox.Config{
		Dispatcher: ctrl,
		Store:      st,
		Presets:    presets,
		Logger:     log,
		Metrics:    collector,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := shutdown.New(15*time.Second, log)

	// LIFO: the store closes last, the context dies first.
	m.Register(shutdown.CloseResource(st, "store"))
	if tp != nil {
		m.Register(tp.Shutdown)
	}
	m.Register(func(context.Context) error { ctrl.Stop(); return nil })
	m.Register(func(context.Context) error { in.Stop(); return nil })

	events, unsubscribe := ctrl.Subscribe()
	go router.Run(ctx.Done(), events)

	go in.Run(ctx)

	onReady := func() {
		router.SetBackendState(models.BackendRunning)
		in.NotifyBackendReady()
	}

	if !watchNoStream {
		wsURL, err := stream.DeriveURL(GetServerURL())
		if err != nil {
			cancel()
			return err
		}
		sc, err := stream.New(stream.Config{
			URL:            wsURL,
			Tokens:         tokens,
			OnBackendReady: onReady,
			TLSConfig:      clientTLS,
			Logger:         log,
			Metrics:        collector,
		})
		if err != nil {
			cancel()
			return err
		}
		go sc.RunLoop(ctx, ctrl)
		m.Register(func(context.Context) error { return sc.Close() })
	}

	go ctrl.RefreshLoop(ctx, watchRefresh)

	if watchMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		msrv := &http.Server{Addr: watchMetricsAddr, Handler: mux}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics server failed", map[string]interface{}{"error": err.Error()})
			}
		}()
		m.Register(shutdown.StopHTTPServer(msrv, "metrics"))
	}

	m.Register(func(context.Context) error {
		unsubscribe()
		cancel()
		return nil
	})

	// Queue URL arguments through the inbox so they dispatch once the
	// backend answers.
	for _, url := range args {
		intent := &models.IntentRequest{
			URLs:          []string{url},
			PresetID:      watchPreset,
			SourcePackage: "cli",
			Timestamp:     time.Now().UTC(),
		}
		if err := in.Enqueue(intent); err != nil {
			log.Warn("Failed to queue url", map[string]interface{}{"url": url, "error": err.Error()})
		}
	}

	// First contact: a successful refresh means the backend is already up,
	// with or without the push channel.
	bootCtx, bootCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := ctrl.RefreshNow(bootCtx); err == nil {
		onReady()
	} else {
		log.Warn("Backend not reachable yet", map[string]interface{}{"error": err.Error()})
	}
	bootCancel()

	printWatchBanner()

	go renderLoop(m.Done(), ctrl, in, router)

	m.Wait()
	m.Shutdown()
	return nil
}

func openWatchStore() (store.Store, error) {
	if watchMemory {
		return store.NewMemoryStore(), nil
	}
	path := watchDB
	if path == "" {
		path = filepath.Join(fetchqDir(), "fetchq.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot cache: %w", err)
	}
	return st, nil
}

func printWatchBanner() {
	if IsJSONOutput() {
		return
	}
	fmt.Printf("fetchq watch\n")
	fmt.Printf("  server:  %s\n", GetServerURL())
	if watchMemory {
		fmt.Printf("  cache:   memory\n")
	} else if watchDB != "" {
		fmt.Printf("  cache:   %s\n", watchDB)
	} else {
		fmt.Printf("  cache:   %s\n", filepath.Join(fetchqDir(), "fetchq.db"))
	}
	fmt.Printf("  refresh: %s\n", watchRefresh)
	if watchNoStream {
		fmt.Printf("  stream:  off (poll only)\n")
	}
	if watchMetricsAddr != "" {
		fmt.Printf("  metrics: http://%s/metrics\n", watchMetricsAddr)
	}
	fmt.Printf("\nPress Ctrl+C to stop.\n\n")
}

// renderLoop redraws the job table every two seconds until shutdown. In
// JSON mode it stays quiet; events are already logged structurally.
func renderLoop(done <-chan struct{}, ctrl *controller.Controller, in *inbox.Inbox, router *notify.Router) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			router.SetInboxDepth(in.Depth())
			if IsJSONOutput() {
				continue
			}
			renderWatchFrame(ctrl, in)
		}
	}
}

func renderWatchFrame(ctrl *controller.Controller, in *inbox.Inbox) {
	fmt.Print("\033[H\033[2J") // Clear screen
	jobs := ctrl.Jobs()
	renderJobsTable(jobs)

	fmt.Printf("\n%d jobs", len(jobs))
	if depth := in.Depth(); depth > 0 {
		fmt.Printf(", %d queued intents", depth)
	}
	if pending := ctrl.PendingSelections(); len(pending) > 0 {
		fmt.Printf(", selection needed: %s", shortID(pending[0]))
	}
	if err := ctrl.LastError(); err != nil {
		fmt.Printf("\nlast error: %v", err)
	}
	fmt.Println()
}
