package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/fetchq/fetchq/internal/stubserver"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/shutdown"
	"github.com/fetchq/fetchq/pkg/tls"
)

var (
	stubListen       string
	stubToken        string
	stubTick         time.Duration
	stubSteps        int
	stubPlaylistSize int
	stubAskSelection bool
	stubDisableDelta bool
	stubIDOnlyCreate bool
	stubTLS          bool
)

var stubCmd = &cobra.Command{
	Use:   "stub",
	Short: "Run the stub backend",
	Long: `Run a fake backend that walks jobs through a scripted lifecycle
without downloading anything. Useful for development, demos, and driving
the client end to end.

The token is printed on stdout as FETCHQ_TOKEN=<token> so a supervising
launcher can capture it.`,
	RunE: runStub,
}

func init() {
	rootCmd.AddCommand(stubCmd)

	stubCmd.Flags().StringVar(&stubListen, "listen", "127.0.0.1:8080", "listen address")
	stubCmd.Flags().StringVar(&stubToken, "stub-token", "", "pin the API token (empty mints a random one)")
	stubCmd.Flags().DurationVar(&stubTick, "tick", 500*time.Millisecond, "lifecycle tick interval")
	stubCmd.Flags().IntVar(&stubSteps, "steps", 5, "running ticks per single-file job")
	stubCmd.Flags().IntVar(&stubPlaylistSize, "playlist-size", 5, "entries discovered per playlist job")
	stubCmd.Flags().BoolVar(&stubAskSelection, "ask-selection", false, "pause playlists at awaiting_selection after discovery")
	stubCmd.Flags().BoolVar(&stubDisableDelta, "disable-delta", false, "serve 404 on the playlist delta endpoint")
	stubCmd.Flags().BoolVar(&stubIDOnlyCreate, "id-only-create", false, "answer job creation with only a job id")
	stubCmd.Flags().BoolVar(&stubTLS, "tls", false, "serve HTTPS with a generated self-signed certificate")
}

// stubCertFiles returns the dev certificate pair, generating it on first
// use. Point --tls-ca at the returned cert to connect.
func stubCertFiles() (certFile, keyFile string, err error) {
	dir := filepath.Join(fetchqDir(), "stub-tls")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create cert directory: %w", err)
	}
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	_, certErr := os.Stat(certFile)
	_, keyErr := os.Stat(keyFile)
	if certErr == nil && keyErr == nil {
		return certFile, keyFile, nil
	}

	host, _, err := net.SplitHostPort(stubListen)
	if err != nil {
		host = stubListen
	}
	if err := tls.GenerateSelfSignedCert(certFile, keyFile, host); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

func runStub(cmd *cobra.Command, args []string) error {
	log := newLogger()
	collector := metrics.NewCollector()

	srv, err := stubserver.New(stubserver.Config{
		Token:        stubToken,
		TickInterval: stubTick,
		StepsPerJob:  stubSteps,
		PlaylistSize: stubPlaylistSize,
		AskSelection: stubAskSelection,
		DisableDelta: stubDisableDelta,
		IDOnlyCreate: stubIDOnlyCreate,
		Logger:       log,
		Metrics:      collector,
	})
	if err != nil {
		return err
	}
	srv.Start()

	httpSrv := &http.Server{
		Addr:         stubListen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	var certFile, keyFile string
	if stubTLS {
		certFile, keyFile, err = stubCertFiles()
		if err != nil {
			return err
		}
	}

	// Launcher handshake: the token goes to stdout before anything else.
	fmt.Printf("FETCHQ_TOKEN=%s\n", srv.Token())

	scheme := "http"
	if stubTLS {
		scheme = "https"
	}
	fmt.Printf("Stub backend listening on %s://%s\n", scheme, stubListen)
	fmt.Printf("  tick %s, %d steps per job, %d entries per playlist\n", stubTick, stubSteps, stubPlaylistSize)
	if stubAskSelection {
		fmt.Printf("  playlists pause for selection after discovery\n")
	}
	if stubTLS {
		fmt.Printf("  self-signed cert: %s (pass it to --tls-ca)\n", certFile)
	}
	fmt.Printf("\nPress Ctrl+C to stop.\n")

	m := shutdown.New(10*time.Second, log)
	m.Register(func(context.Context) error { srv.Stop(); return nil })
	m.Register(shutdown.StopHTTPServer(httpSrv, "stub"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		var serveErr error
		if stubTLS {
			serveErr = httpSrv.ListenAndServeTLS(certFile, keyFile)
		} else {
			serveErr = httpSrv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
		cancel()
	}()

	// Signal path shuts down inside the manager; the cancel path means the
	// listener died on its own.
	if err := m.WaitWithContext(ctx); err != nil {
		m.Shutdown()
		select {
		case serveErr := <-errCh:
			return fmt.Errorf("stub server failed: %w", serveErr)
		default:
			return nil
		}
	}
	return nil
}
