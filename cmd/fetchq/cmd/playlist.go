package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	// Playlist show flags
	playlistOffset int
	playlistLimit  int

	// Playlist retry-items flags
	retryIndices []int
	retryIDs     []string
)

// playlistCmd represents the playlist command
var playlistCmd = &cobra.Command{
	Use:   "playlist",
	Short: "Inspect and drive playlist jobs",
	Long:  `Commands for viewing playlist entries, submitting entry selections, and retrying individual entries.`,
}

var playlistShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show playlist entries",
	Long:  `Fetch the playlist summary and entry window for a job.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPlaylistShow,
}

var playlistSelectCmd = &cobra.Command{
	Use:   "select <job-id> <index> [index...]",
	Short: "Submit a playlist selection",
	Long: `Pick which playlist entries to download. Indices are 1-based and
may be given separately or comma-separated:

  fetchq playlist select 3f2a8c1b 1 3 5
  fetchq playlist select 3f2a8c1b 1,3,5`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPlaylistSelect,
}

var playlistRetryItemsCmd = &cobra.Command{
	Use:   "retry-items <job-id>",
	Short: "Retry individual playlist entries",
	Long:  `Requeue failed or skipped playlist entries by index or entry id.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPlaylistRetryItems,
}

func init() {
	rootCmd.AddCommand(playlistCmd)
	playlistCmd.AddCommand(playlistShowCmd)
	playlistCmd.AddCommand(playlistSelectCmd)
	playlistCmd.AddCommand(playlistRetryItemsCmd)

	playlistShowCmd.Flags().IntVar(&playlistOffset, "offset", 0, "first entry offset")
	playlistShowCmd.Flags().IntVar(&playlistLimit, "limit", 0, "maximum entries to fetch (0 = all)")

	playlistRetryItemsCmd.Flags().IntSliceVar(&retryIndices, "index", nil, "1-based entry index (repeatable)")
	playlistRetryItemsCmd.Flags().StringSliceVar(&retryIDs, "id", nil, "entry id (repeatable)")
}

func runPlaylistShow(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	ctx, cancel := commandContext()
	defer cancel()

	update, err := newAPIClient().GetPlaylist(ctx, jobID, playlistOffset, playlistLimit)
	if err != nil {
		return fmt.Errorf("failed to fetch playlist: %w", err)
	}
	if update == nil || update.Playlist == nil {
		return fmt.Errorf("job %s has no playlist", jobID)
	}

	if IsJSONOutput() {
		return printJSON(update)
	}

	pl := update.Playlist
	fmt.Printf("Playlist: %s\n", playlistCell(pl))
	if pl.EntriesVersion > 0 {
		fmt.Printf("Entries version: %d\n", pl.EntriesVersion)
	}
	fmt.Println()

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Entry ID", "Title", "Status")
	for _, entry := range pl.Entries {
		table.Append(
			strconv.Itoa(entry.Index),
			entry.ID,
			truncate(entry.Title, 60),
			entry.Status,
		)
	}
	table.Render()

	if pl.AwaitingSelection {
		fmt.Printf("\nAwaiting selection. Run: fetchq playlist select %s <indices>\n", jobID)
	}
	return nil
}

// parseIndices accepts both space-separated and comma-separated forms.
func parseIndices(args []string) ([]int, error) {
	var indices []int
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			n, err := strconv.Atoi(part)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("invalid entry index %q", part)
			}
			indices = append(indices, n)
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("no entry indices given")
	}
	return indices, nil
}

func runPlaylistSelect(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	indices, err := parseIndices(args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	ack, err := newAPIClient().SubmitSelection(ctx, jobID, indices)
	if err != nil {
		return fmt.Errorf("failed to submit selection: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(ack)
	}
	fmt.Printf("✓ Selection submitted for job %s (%d entries)\n", jobID, len(indices))
	return nil
}

func runPlaylistRetryItems(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	if len(retryIndices) == 0 && len(retryIDs) == 0 {
		return fmt.Errorf("nothing to retry: pass --index and/or --id")
	}

	ctx, cancel := commandContext()
	defer cancel()

	ack, err := newAPIClient().RetryEntries(ctx, jobID, retryIndices, retryIDs)
	if err != nil {
		return fmt.Errorf("failed to retry entries: %w", err)
	}

	if IsJSONOutput() {
		return printJSON(ack)
	}
	fmt.Printf("✓ Entries requeued for job %s: %s\n", jobID, describeRetryTargets())
	return nil
}

func describeRetryTargets() string {
	var parts []string
	for _, idx := range retryIndices {
		parts = append(parts, fmt.Sprintf("#%d", idx))
	}
	parts = append(parts, retryIDs...)
	return strings.Join(parts, ", ")
}
