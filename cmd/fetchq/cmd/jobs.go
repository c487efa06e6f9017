package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fetchq/fetchq/pkg/client"
	"github.com/fetchq/fetchq/pkg/inbox"
	"github.com/fetchq/fetchq/pkg/models"
)

var (
	// Job submit flags
	submitOptions []string
	submitPreset  string
	submitName    string

	// Job status flags
	followStatus bool

	// Job logs flags
	logsSince int64
	logsLimit int
	logsEntry int
)

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage download jobs",
	Long:  `Commands for submitting, listing, and controlling download jobs on the backend.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <url> [url...]",
	Short: "Submit a new download job",
	Long: `Submit one or more URLs as a new download job. Options are passed
through to the backend verbatim; presets bundle frequently used option sets.

Example:
  fetchq jobs submit https://example.com/watch?v=abc
  fetchq jobs submit --preset audio --option subtitles=true <url>`,
	Args: cobra.MinimumNArgs(1),
	RunE: runJobsSubmit,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all jobs",
	Long:  `List every job the backend knows about.`,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Get job status",
	Long:  `Retrieve the status of a specific job by its ID. If no ID is provided, lists all jobs.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long:  `Cancel a queued or running job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a job",
	Long:  `Pause a queued or running job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsPause,
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Long:  `Resume a previously paused job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsResume,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a finished job",
	Long: `Retry a completed, failed, or cancelled job. The backend either
requeues the same job or allocates a fresh one; the reported job id is
authoritative.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsRetry,
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job",
	Long:  `Remove a job from the backend. Running jobs should be cancelled first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDelete,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Get logs for a job",
	Long:  `Retrieve backend log lines for a specific job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsPauseCmd)
	jobsCmd.AddCommand(jobsResumeCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	// Flags for job submit
	jobsSubmitCmd.Flags().StringArrayVar(&submitOptions, "option", nil, "backend option as key=value (repeatable)")
	jobsSubmitCmd.Flags().StringVar(&submitPreset, "preset", "", "preset id from presets.yaml to seed options")
	jobsSubmitCmd.Flags().StringVar(&submitName, "name", "", "display name stored in job metadata")

	// Flags for job status
	jobsStatusCmd.Flags().BoolVar(&followStatus, "follow", false, "poll job status every 2 seconds until completion")

	// Flags for job logs
	jobsLogsCmd.Flags().Int64Var(&logsSince, "since", 0, "only lines after this log version")
	jobsLogsCmd.Flags().IntVar(&logsLimit, "limit", 0, "maximum number of lines (0 = all)")
	jobsLogsCmd.Flags().IntVar(&logsEntry, "entry", 0, "narrow to one playlist entry by 1-based index")
}

// presetsPath is where submit and watch look for option presets.
func presetsPath() string {
	return filepath.Join(fetchqDir(), "presets.yaml")
}

// parseOptionFlags turns repeated key=value flags into an option map.
func parseOptionFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	opts := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid option %q, expected key=value", pair)
		}
		switch value {
		case "true":
			opts[key] = true
		case "false":
			opts[key] = false
		default:
			opts[key] = value
		}
	}
	return opts, nil
}

// resolveSubmitOptions merges preset options with explicit flags; explicit
// flags win.
func resolveSubmitOptions() (map[string]any, error) {
	explicit, err := parseOptionFlags(submitOptions)
	if err != nil {
		return nil, err
	}
	if submitPreset == "" {
		return explicit, nil
	}

	presets, err := inbox.LoadPresets(presetsPath())
	if err != nil {
		return nil, err
	}
	for _, p := range presets {
		if p.ID != submitPreset {
			continue
		}
		merged := make(map[string]any, len(p.Options)+len(explicit))
		for k, v := range p.Options {
			merged[k] = v
		}
		for k, v := range explicit {
			merged[k] = v
		}
		return merged, nil
	}
	return nil, fmt.Errorf("unknown preset %q (looked in %s)", submitPreset, presetsPath())
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	options, err := resolveSubmitOptions()
	if err != nil {
		return err
	}

	req := &models.StartRequest{URLs: args, Options: options}
	if submitName != "" {
		req.Metadata = map[string]any{"display_name": submitName}
	}

	ctx, cancel := commandContext()
	defer cancel()

	job, err := newAPIClient().CreateJob(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(job)
	}

	displayJob(job)
	fmt.Printf("\n✓ Job submitted: %s\n", job.ID)
	return nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	jobs, err := newAPIClient().ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(map[string]any{"jobs": jobs, "count": len(jobs)})
	}

	renderJobsTable(jobs)
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	// If no job ID provided, list all jobs
	if len(args) == 0 {
		return runJobsList(cmd, args)
	}
	jobID := args[0]

	if followStatus {
		fmt.Printf("Following job %s (press Ctrl+C to stop)...\n\n", jobID)
		for {
			job, err := fetchJob(jobID)
			if err != nil {
				return err
			}

			fmt.Print("\033[H\033[2J") // Clear screen
			displayJob(job)

			if job.IsTerminal() {
				fmt.Println("\n✓ Job reached terminal state")
				break
			}
			time.Sleep(2 * time.Second)
		}
		return nil
	}

	job, err := fetchJob(jobID)
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(job)
	}
	displayJob(job)
	return nil
}

func fetchJob(jobID string) (*models.Job, error) {
	ctx, cancel := commandContext()
	defer cancel()

	job, err := newAPIClient().GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch job: %w", err)
	}
	if job == nil {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	return job, nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	return controlJob(args[0], "cancel")
}

func runJobsPause(cmd *cobra.Command, args []string) error {
	return controlJob(args[0], "pause")
}

func runJobsResume(cmd *cobra.Command, args []string) error {
	return controlJob(args[0], "resume")
}

func controlJob(jobID, verb string) error {
	ctx, cancel := commandContext()
	defer cancel()

	c := newAPIClient()
	var ack *models.CommandAck
	var err error
	switch verb {
	case "cancel":
		ack, err = c.CancelJob(ctx, jobID)
	case "pause":
		ack, err = c.PauseJob(ctx, jobID)
	case "resume":
		ack, err = c.ResumeJob(ctx, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", verb, err)
	}

	if IsJSONOutput() {
		return printJSON(ack)
	}
	fmt.Printf("✓ Job %s: %s\n", jobID, ack.Status)
	return nil
}

func runJobsRetry(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	ctx, cancel := commandContext()
	defer cancel()

	ack, err := newAPIClient().RetryJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to retry job: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(ack)
	}
	if ack.JobID != "" && ack.JobID != jobID {
		fmt.Printf("✓ Job %s requeued as %s\n", jobID, ack.JobID)
	} else {
		fmt.Printf("✓ Job %s requeued\n", jobID)
	}
	return nil
}

func runJobsDelete(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	ctx, cancel := commandContext()
	defer cancel()

	ack, err := newAPIClient().DeleteJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(ack)
	}
	fmt.Printf("✓ Job %s deleted\n", jobID)
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	ctx, cancel := commandContext()
	defer cancel()

	q := client.SnapshotQuery{Since: logsSince, Limit: logsLimit, EntryIndex: logsEntry}
	snap, err := newAPIClient().GetLogs(ctx, jobID, q)
	if err != nil {
		return fmt.Errorf("failed to fetch logs: %w", err)
	}
	if snap == nil {
		return fmt.Errorf("job %s not found", jobID)
	}

	if IsJSONOutput() {
		return printJSON(snap)
	}

	fmt.Printf("=== Logs for job %s (version %d) ===\n\n", jobID, snap.Version)
	for _, line := range snap.Logs {
		level := strings.ToUpper(line.Level)
		if level == "" {
			level = "INFO"
		}
		fmt.Printf("%s  %-5s  %s\n", line.Timestamp.Format("2006-01-02 15:04:05"), level, line.Message)
	}
	return nil
}

// renderJobsTable prints the one-line-per-job summary used by list and watch.
func renderJobsTable(jobs []*models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job ID", "Kind", "Status", "Progress", "Title", "Created")

	for _, job := range jobs {
		table.Append(
			shortID(job.ID),
			string(job.Kind),
			statusCell(job),
			progressCell(job),
			truncate(job.DisplayTitle(), 48),
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	table.Render()
}

// displayJob prints the detailed Field/Value table for one job.
func displayJob(job *models.Job) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job ID", job.ID)
	table.Append("Status", statusCell(job))
	if job.Kind != "" {
		table.Append("Kind", string(job.Kind))
	}
	if title := job.DisplayTitle(); title != "" && title != job.ID {
		table.Append("Title", truncate(title, 80))
	}
	if len(job.URLs) > 0 {
		table.Append("URLs", strings.Join(job.URLs, "\n"))
	}
	if job.Progress != nil {
		table.Append("Progress", progressCell(job))
		if job.Progress.Speed != "" {
			table.Append("Speed", job.Progress.Speed)
		}
		if job.Progress.ETASeconds > 0 {
			table.Append("ETA", (time.Duration(job.Progress.ETASeconds) * time.Second).String())
		}
	}
	if file := job.MainFile(); file != "" {
		table.Append("File", file)
	}
	if pl := job.Playlist; pl != nil {
		table.Append("Playlist", playlistCell(pl))
	}
	if src := job.Source(); src != "" {
		table.Append("Source", src)
	}
	if job.Error != "" {
		table.Append("Error", job.Error)
	}
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		table.Append("Started At", job.StartedAt.Format(time.RFC3339))
	}
	if job.FinishedAt != nil {
		table.Append("Finished At", job.FinishedAt.Format(time.RFC3339))
	}

	table.Render()

	if job.NeedsSelection() {
		fmt.Printf("\nPlaylist is awaiting selection. Run: fetchq playlist select %s <indices>\n", job.ID)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func statusCell(job *models.Job) string {
	if job.NeedsSelection() {
		return string(job.Status) + " (needs selection)"
	}
	if job.Placeholder {
		return string(job.Status) + " (pending confirm)"
	}
	return string(job.Status)
}

func progressCell(job *models.Job) string {
	if pl := job.Playlist; pl != nil && pl.EntryCount > 0 {
		return fmt.Sprintf("%d/%d (%.0f%%)", pl.CompletedItems, pl.EntryCount, job.ProgressPercent())
	}
	if job.Progress == nil && job.Status != models.StatusCompleted {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", job.ProgressPercent())
}

func playlistCell(pl *models.PlaylistSummary) string {
	var parts []string
	if pl.Title != "" {
		parts = append(parts, pl.Title)
	}
	parts = append(parts, fmt.Sprintf("%d/%d done", pl.CompletedItems, pl.EntryCount))
	if pl.CollectingEntries {
		parts = append(parts, "discovering")
	}
	if pl.AwaitingSelection {
		parts = append(parts, "awaiting selection")
	}
	return strings.Join(parts, ", ")
}
