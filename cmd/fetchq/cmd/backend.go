package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fetchq/fetchq/internal/launcher"
	"github.com/fetchq/fetchq/pkg/auth"
	"github.com/fetchq/fetchq/pkg/models"
	"github.com/fetchq/fetchq/pkg/shutdown"
)

var (
	backendConfigPath string
	backendPidFile    string
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Launch and supervise the backend process",
	Long:  `Commands for running the backend as a supervised child process, inspecting it, and stopping it.`,
}

var backendRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Spawn the backend and supervise it",
	Long: `Spawn the backend process described by the launcher config, capture
the API token it prints, poll its API until ready, and supervise it until
a signal arrives or the process dies.`,
	RunE: runBackendRun,
}

var backendStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect the supervised backend process",
	Long:  `Read the pid file and report whether the backend is alive, with resource usage.`,
	RunE:  runBackendStatus,
}

var backendStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the supervised backend process",
	Long:  `Send SIGTERM to the backend recorded in the pid file, escalating to SIGKILL after five seconds.`,
	RunE:  runBackendStop,
}

var backendInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write an example launcher config",
	Long:  `Write a commented launcher configuration to the config path, refusing to overwrite an existing file.`,
	RunE:  runBackendInit,
}

func init() {
	rootCmd.AddCommand(backendCmd)
	backendCmd.AddCommand(backendRunCmd)
	backendCmd.AddCommand(backendStatusCmd)
	backendCmd.AddCommand(backendStopCmd)
	backendCmd.AddCommand(backendInitCmd)

	backendCmd.PersistentFlags().StringVar(&backendConfigPath, "backend-config", "", "launcher config file (default $HOME/.fetchq/backend.yaml)")
	backendCmd.PersistentFlags().StringVar(&backendPidFile, "pid-file", "", "pid file path (default $HOME/.fetchq/backend.pid)")
}

func resolveBackendConfigPath() string {
	if backendConfigPath != "" {
		return backendConfigPath
	}
	return filepath.Join(fetchqDir(), "backend.yaml")
}

func resolvePidFile() string {
	if backendPidFile != "" {
		return backendPidFile
	}
	return launcher.DefaultPidFile()
}

func runBackendRun(cmd *cobra.Command, args []string) error {
	log := newLogger()

	path := resolveBackendConfigPath()
	cfg, err := launcher.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("no launcher config at %s (run `fetchq backend init` to create one): %w", path, err)
	}
	if cfg.PidFile == "" {
		cfg.PidFile = resolvePidFile()
	}

	tokens := auth.NewTokenHolder(GetToken())
	l, err := launcher.New(cfg, launcher.Options{Tokens: tokens, Logger: log})
	if err != nil {
		return err
	}
	states := l.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Backend spawned (pid %d), waiting for %s to answer...\n", l.PID(), cfg.APIURL)

	go func() {
		for state := range states {
			log.Info("Backend state changed", map[string]interface{}{"state": string(state)})
			if state == models.BackendRunning {
				fmt.Printf("✓ Backend ready at %s\n", cfg.APIURL)
			}
		}
	}()

	grace := 5 * time.Second
	if d, err := time.ParseDuration(cfg.StopGrace); err == nil {
		grace = d
	}
	m := shutdown.New(grace+5*time.Second, log)
	m.Register(func(ctx context.Context) error { return l.Stop(ctx) })

	runCtx, runCancel := context.WithCancel(ctx)
	go func() {
		<-l.Done()
		runCancel()
	}()

	// Signal path stops the child through the manager; the cancel path
	// means the child exited on its own.
	if err := m.WaitWithContext(runCtx); err != nil {
		if l.State() == models.BackendFailed {
			return fmt.Errorf("backend exited: %w", l.Err())
		}
		return nil
	}
	return nil
}

func runBackendStatus(cmd *cobra.Command, args []string) error {
	pidPath := resolvePidFile()
	pid, err := launcher.ReadPidFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			if IsJSONOutput() {
				return printJSON(map[string]any{"state": "not-started"})
			}
			fmt.Println("Backend is not running (no pid file).")
			return nil
		}
		return err
	}

	info, err := launcher.Inspect(pid)
	if err != nil {
		return fmt.Errorf("failed to inspect backend: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(info)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("PID", fmt.Sprintf("%d", info.PID))
	table.Append("Alive", fmt.Sprintf("%t", info.Alive))
	if info.Alive {
		table.Append("RSS", formatBytes(info.RSSBytes))
		table.Append("CPU", fmt.Sprintf("%.1f%%", info.CPUPercent))
		if info.Cmdline != "" {
			table.Append("Command", truncate(info.Cmdline, 80))
		}
		if !info.StartedAt.IsZero() {
			table.Append("Started At", info.StartedAt.Format(time.RFC3339))
		}
	}
	table.Render()

	if !info.Alive {
		fmt.Printf("\nStale pid file at %s; the process is gone.\n", pidPath)
	}
	return nil
}

func runBackendStop(cmd *cobra.Command, args []string) error {
	pidPath := resolvePidFile()
	pid, err := launcher.ReadPidFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("Backend is not running (no pid file).")
			return nil
		}
		return err
	}

	// The launcher starts the backend as a process group leader, so the
	// whole group is signalled.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		os.Remove(pidPath)
		fmt.Println("Backend already gone; removed stale pid file.")
		return nil
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := launcher.Inspect(pid)
		if err == nil && !info.Alive {
			os.Remove(pidPath)
			fmt.Printf("✓ Backend stopped (pid %d)\n", pid)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	syscall.Kill(-pid, syscall.SIGKILL)
	os.Remove(pidPath)
	fmt.Printf("✓ Backend killed after grace period (pid %d)\n", pid)
	return nil
}

func runBackendInit(cmd *cobra.Command, args []string) error {
	path := resolveBackendConfigPath()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(launcher.ExampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	fmt.Printf("✓ Wrote launcher config to %s\n", path)
	return nil
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
