// Package launcher spawns and supervises the local backend process. It
// captures the API token the backend prints on stdout, polls the API until
// it answers, and publishes BackendState transitions that the notification
// router and the pending-intent inbox consume. One Launcher drives one
// process; create a new Launcher to relaunch.
package launcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/logging"
	"github.com/fetchq/fetchq/pkg/models"
)

// TokenMarker prefixes the stdout line a backend uses to hand its API
// token to the supervising process. The line is captured, never forwarded.
const TokenMarker = "FETCHQ_TOKEN="

// Options carries the launcher's collaborators. Zero values get defaults.
type Options struct {
	// Tokens receives tokens scanned from the child's stdout.
	Tokens *auth.TokenHolder

	Logger *logging.Logger

	// Stdout and Stderr receive the child's output, token lines excluded.
	// Default os.Stdout / os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher supervises a single backend process.
type Launcher struct {
	cfg    *Config
	ready  time.Duration
	poll   time.Duration
	grace  time.Duration
	tokens *auth.TokenHolder
	log    *logging.Logger
	stdout io.Writer
	stderr io.Writer
	httpc  *http.Client

	state *stateHolder

	mu      sync.Mutex
	cmd     *exec.Cmd
	pid     int
	stopReq bool
	exitErr error
	done    chan struct{} // closed once the process is reaped
}

// New validates the configuration and returns a launcher ready to Start.
func New(cfg *Config, opts Options) (*Launcher, error) {
	if cfg == nil || cfg.Command == "" {
		return nil, fmt.Errorf("launcher: command is required")
	}
	cfg.applyDefaults()
	ready, poll, grace, err := cfg.timings()
	if err != nil {
		return nil, fmt.Errorf("launcher: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.INFO, false)
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	return &Launcher{
		cfg:    cfg,
		ready:  ready,
		poll:   poll,
		grace:  grace,
		tokens: opts.Tokens,
		log:    opts.Logger.WithField("component", "launcher"),
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		httpc:  &http.Client{Timeout: 2 * time.Second},
		state:  newStateHolder(),
		done:   make(chan struct{}),
	}, nil
}

// State returns the current backend state.
func (l *Launcher) State() models.BackendState {
	return l.state.snapshot().State
}

// Subscribe returns a channel of state transitions. The channel is never
// closed.
func (l *Launcher) Subscribe() <-chan models.BackendState {
	return l.state.subscribe()
}

// PID returns the child process id, 0 before Start.
func (l *Launcher) PID() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pid
}

// Done is closed once the child has exited and been reaped.
func (l *Launcher) Done() <-chan struct{} {
	return l.done
}

// Err returns the child's exit error after Done is closed, nil for a clean
// exit.
func (l *Launcher) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitErr
}

// Start spawns the backend and begins the readiness poll. The context
// bounds the child's lifetime: when it ends the process group gets SIGTERM,
// then SIGKILL after the stop grace window.
func (l *Launcher) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cmd != nil {
		l.mu.Unlock()
		return fmt.Errorf("backend already started")
	}

	l.state.set(models.BackendStarting, nil)

	cmd := exec.CommandContext(ctx, l.cfg.Command, l.cfg.Args...)
	cmd.Dir = l.cfg.Dir
	cmd.Env = os.Environ()
	for k, v := range l.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// New process group: the backend and its children are signalled as a
	// unit, and survive a launcher crash.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = l.grace

	scanner := &tokenLineWriter{launcher: l}
	cmd.Stdout = scanner
	cmd.Stderr = l.stderr

	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		err = fmt.Errorf("failed to start backend: %w", err)
		l.state.set(models.BackendFailed, err)
		return err
	}

	l.cmd = cmd
	l.pid = cmd.Process.Pid
	l.mu.Unlock()

	if l.cfg.PidFile != "" {
		if err := WritePidFile(l.cfg.PidFile, l.pid); err != nil {
			l.log.Warn("Failed to write pid file", map[string]interface{}{
				"path":  l.cfg.PidFile,
				"error": err.Error(),
			})
		}
	}

	l.log.Info("Backend started", map[string]interface{}{
		"pid":     l.pid,
		"command": l.cfg.Command,
	})

	go l.reap(cmd, scanner)
	go l.waitReady(ctx)
	return nil
}

// tokenLineWriter splits child stdout into lines, diverting token lines
// into the holder and forwarding everything else. Lines past 1MB are
// flushed unterminated to bound memory.
type tokenLineWriter struct {
	launcher *Launcher
	buf      []byte
}

func (w *tokenLineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			if len(w.buf) > 1024*1024 {
				w.launcher.handleStdoutLine(string(w.buf))
				w.buf = w.buf[:0]
			}
			return len(p), nil
		}
		w.launcher.handleStdoutLine(string(w.buf[:i]))
		w.buf = w.buf[i+1:]
	}
}

// flush emits any unterminated trailing line, called after the child exits.
func (w *tokenLineWriter) flush() {
	if len(w.buf) > 0 {
		w.launcher.handleStdoutLine(string(w.buf))
		w.buf = w.buf[:0]
	}
}

func (l *Launcher) handleStdoutLine(line string) {
	if token, ok := strings.CutPrefix(strings.TrimSpace(line), TokenMarker); ok {
		if l.tokens != nil {
			l.tokens.Set(strings.TrimSpace(token))
		}
		l.log.Info("Backend token captured", nil)
		return
	}
	fmt.Fprintln(l.stdout, line)
}

// reap waits for the child and records the outcome. A stop requested
// through Stop or the Start context lands in not-started; anything else is
// a failure.
func (l *Launcher) reap(cmd *exec.Cmd, scanner *tokenLineWriter) {
	err := cmd.Wait()
	scanner.flush()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	l.mu.Lock()
	l.exitErr = err
	stopped := l.stopReq
	l.mu.Unlock()
	close(l.done)

	if l.cfg.PidFile != "" {
		os.Remove(l.cfg.PidFile)
	}

	if stopped {
		l.state.set(models.BackendNotStarted, nil)
		l.log.Info("Backend stopped", map[string]interface{}{"exit_code": exitCode})
		return
	}

	cause := err
	if cause == nil {
		cause = fmt.Errorf("backend exited unexpectedly with code %d", exitCode)
	}
	l.state.set(models.BackendFailed, cause)
	l.log.Error("Backend exited", map[string]interface{}{
		"exit_code": exitCode,
		"error":     cause.Error(),
	})
}

// waitReady polls the API until it answers, the deadline passes, or the
// process dies. Any HTTP response counts as ready: readiness means the
// socket answers, not that the caller is authorized.
func (l *Launcher) waitReady(ctx context.Context) {
	deadline := time.NewTimer(l.ready)
	defer deadline.Stop()
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	url := strings.TrimRight(l.cfg.APIURL, "/") + "/health"
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-deadline.C:
			err := fmt.Errorf("backend not ready after %s", l.ready)
			l.state.set(models.BackendFailed, err)
			l.log.Error("Backend readiness timed out", map[string]interface{}{
				"url":     url,
				"timeout": l.ready.String(),
			})
			return
		case <-ticker.C:
			if l.probe(ctx, url) {
				l.state.set(models.BackendRunning, nil)
				l.log.Info("Backend ready", map[string]interface{}{
					"pid": l.PID(),
					"url": l.cfg.APIURL,
				})
				return
			}
		}
	}
}

func (l *Launcher) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := l.httpc.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Stop terminates the backend: SIGTERM to the process group, SIGKILL once
// the grace window passes. Safe to call when nothing is running.
func (l *Launcher) Stop(ctx context.Context) error {
	l.mu.Lock()
	cmd := l.cmd
	pid := l.pid
	l.stopReq = true
	l.mu.Unlock()

	if cmd == nil {
		return nil
	}
	select {
	case <-l.done:
		return nil
	default:
	}

	l.log.Info("Stopping backend", map[string]interface{}{"pid": pid})
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		// Already gone; the reap goroutine settles the state.
		return nil
	}

	grace := time.NewTimer(l.grace)
	defer grace.Stop()
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		syscall.Kill(-pid, syscall.SIGKILL)
		return ctx.Err()
	case <-grace.C:
		l.log.Warn("Backend ignored SIGTERM, killing", map[string]interface{}{"pid": pid})
		syscall.Kill(-pid, syscall.SIGKILL)
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Report returns a diagnostic snapshot for backend status and doctor.
func (l *Launcher) Report() map[string]interface{} {
	snap := l.state.snapshot()
	report := map[string]interface{}{
		"state": string(snap.State),
		"since": snap.Since.Format(time.RFC3339),
	}
	if snap.Cause != nil {
		report["error"] = snap.Cause.Error()
	}
	if pid := l.PID(); pid > 0 {
		report["pid"] = pid
		if info, err := Inspect(pid); err == nil && info.Alive {
			report["rss_bytes"] = info.RSSBytes
			report["cpu_percent"] = info.CPUPercent
		}
	}
	return report
}

// ProcessInfo describes a backend process as seen by the OS.
type ProcessInfo struct {
	PID        int       `json:"pid"`
	Alive      bool      `json:"alive"`
	RSSBytes   uint64    `json:"rss_bytes,omitempty"`
	CPUPercent float64   `json:"cpu_percent,omitempty"`
	Cmdline    string    `json:"cmdline,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
}

// Inspect reports liveness and resource usage for a pid. Fields the OS
// refuses to reveal stay zero; only a lookup failure for a live process
// returns an error.
func Inspect(pid int) (*ProcessInfo, error) {
	info := &ProcessInfo{PID: pid}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return info, nil
	}
	running, err := proc.IsRunning()
	if err != nil {
		return nil, fmt.Errorf("failed to inspect pid %d: %w", pid, err)
	}
	if !running {
		return info, nil
	}
	info.Alive = true
	if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
		info.RSSBytes = mi.RSS
	}
	if pct, err := proc.CPUPercent(); err == nil {
		info.CPUPercent = pct
	}
	if cl, err := proc.Cmdline(); err == nil {
		info.Cmdline = cl
	}
	if ct, err := proc.CreateTime(); err == nil {
		info.StartedAt = time.UnixMilli(ct).UTC()
	}
	return info, nil
}

// DefaultPidFile returns $HOME/.fetchq/backend.pid, falling back to the
// system temp directory when the home directory is unavailable.
func DefaultPidFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "fetchq-backend.pid")
	}
	return filepath.Join(home, ".fetchq", "backend.pid")
}

// WritePidFile records pid at path, creating parent directories.
func WritePidFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create pid file directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644)
}

// ReadPidFile returns the pid recorded at path.
func ReadPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", path, err)
	}
	return pid, nil
}
