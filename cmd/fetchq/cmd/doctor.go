package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fetchq/fetchq/internal/launcher"
	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/metrics"
	"github.com/fetchq/fetchq/pkg/models"
	"github.com/fetchq/fetchq/pkg/store"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose the local setup",
	Long: `Run a series of checks against the local configuration, the backend
API, the supervised backend process, the job cache, and the metrics
pipeline, and report what works and what does not.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var results []checkResult

	results = append(results, checkConfigFile())

	apiCheck, jobs := checkBackendAPI()
	results = append(results, apiCheck)
	results = append(results, checkBackendProcess())
	results = append(results, checkJobCache())
	results = append(results, checkMetricsPipeline(jobs))

	if IsJSONOutput() {
		return printJSON(map[string]any{"checks": results})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Check", "Status", "Detail")
	failed := 0
	for _, r := range results {
		status := "✓"
		if !r.OK {
			status = "✗"
			failed++
		}
		table.Append(r.Name, status, r.Detail)
	}
	table.Render()

	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(results))
	}
	fmt.Println("\nAll checks passed.")
	return nil
}

func checkConfigFile() checkResult {
	if used := viper.ConfigFileUsed(); used != "" {
		return checkResult{Name: "config file", OK: true, Detail: used}
	}
	return checkResult{Name: "config file", OK: true, Detail: "none (flags and environment only)"}
}

// checkBackendAPI distinguishes "nothing listening" from "listening but the
// token was rejected"; the fixes are different.
func checkBackendAPI() (checkResult, []*models.Job) {
	name := "backend api"
	c := newAPIClient()
	ctx, cancel := commandContext()
	defer cancel()

	jobs, err := c.ListJobs(ctx)
	if err == nil {
		detail := fmt.Sprintf("reachable at %s (%d jobs)", GetServerURL(), len(jobs))
		return checkResult{Name: name, OK: true, Detail: detail}, jobs
	}
	if client.IsConnError(err) {
		detail := fmt.Sprintf("unreachable at %s (is the backend running?)", GetServerURL())
		return checkResult{Name: name, OK: false, Detail: detail}, nil
	}
	if status := client.StatusOf(err); status == 401 || status == 403 {
		detail := fmt.Sprintf("reachable but rejected the token (HTTP %d); check --token or FETCHQ_TOKEN", status)
		return checkResult{Name: name, OK: false, Detail: detail}, nil
	}
	return checkResult{Name: name, OK: false, Detail: err.Error()}, nil
}

func checkBackendProcess() checkResult {
	name := "backend process"
	pidPath := launcher.DefaultPidFile()

	pid, err := launcher.ReadPidFile(pidPath)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{Name: name, OK: true, Detail: "no pid file (backend not launched by fetchq)"}
		}
		return checkResult{Name: name, OK: false, Detail: err.Error()}
	}

	info, err := launcher.Inspect(pid)
	if err != nil {
		return checkResult{Name: name, OK: false, Detail: err.Error()}
	}
	if !info.Alive {
		return checkResult{Name: name, OK: false, Detail: fmt.Sprintf("stale pid file %s: process %d is gone", pidPath, pid)}
	}
	return checkResult{Name: name, OK: true, Detail: fmt.Sprintf("pid %d alive, rss %s", pid, formatBytes(info.RSSBytes))}
}

// checkJobCache opens the cache only when it already exists; doctor should
// diagnose state, not create it.
func checkJobCache() checkResult {
	name := "job cache"
	path := filepath.Join(fetchqDir(), "fetchq.db")

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return checkResult{Name: name, OK: true, Detail: fmt.Sprintf("no cache yet at %s (created on first watch)", path)}
	}

	st, err := store.NewSQLiteStore(path)
	if err != nil {
		return checkResult{Name: name, OK: false, Detail: fmt.Sprintf("failed to open %s: %v", path, err)}
	}
	defer st.Close()

	if err := st.HealthCheck(); err != nil {
		return checkResult{Name: name, OK: false, Detail: fmt.Sprintf("unhealthy: %v", err)}
	}
	cached, err := st.ListJobs()
	if err != nil {
		return checkResult{Name: name, OK: false, Detail: fmt.Sprintf("readable but listing failed: %v", err)}
	}
	return checkResult{Name: name, OK: true, Detail: fmt.Sprintf("sqlite at %s (%d cached jobs)", path, len(cached))}
}

// checkMetricsPipeline pushes real job counts through a collector and reads
// the exposition back, proving registration and encoding both work.
func checkMetricsPipeline(jobs []*models.Job) checkResult {
	name := "metrics pipeline"

	collector := metrics.NewCollector()
	counts := make(map[string]int)
	for _, j := range jobs {
		counts[string(j.Status)]++
	}
	collector.SetJobsByStatus(counts)
	collector.RecordRequest("GET", "/jobs", 200, 5*time.Millisecond)

	text, err := collector.Snapshot()
	if err != nil {
		return checkResult{Name: name, OK: false, Detail: fmt.Sprintf("exposition failed: %v", err)}
	}
	if len(text) == 0 {
		return checkResult{Name: name, OK: false, Detail: "empty exposition"}
	}
	return checkResult{Name: name, OK: true, Detail: fmt.Sprintf("%d bytes of exposition", len(text))}
}
