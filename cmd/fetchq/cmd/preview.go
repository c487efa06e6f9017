package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/fetchq/fetchq/pkg/client"
)

var previewCmd = &cobra.Command{
	Use:   "preview <url>",
	Short: "Fetch metadata for a URL without downloading",
	Long:  `Ask the backend to resolve a media URL and show its title, uploader, and duration without starting a download.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)
}

func runPreview(cmd *cobra.Command, args []string) error {
	c := newAPIClient()
	ctx, cancel := commandContext()
	defer cancel()

	p, err := c.Preview(ctx, args[0])
	if err != nil {
		if errors.Is(err, client.ErrPreviewUnsupported) {
			return fmt.Errorf("this backend has no preview endpoint")
		}
		return err
	}

	if IsJSONOutput() {
		return printJSON(p)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")
	table.Append("URL", args[0])
	if p.Title != "" {
		table.Append("Title", p.Title)
	}
	if p.Uploader != "" {
		table.Append("Uploader", p.Uploader)
	}
	if p.DurationSeconds > 0 {
		table.Append("Duration", (time.Duration(p.DurationSeconds) * time.Second).String())
	}
	if p.Thumbnail != "" {
		table.Append("Thumbnail", p.Thumbnail)
	}
	table.Render()
	return nil
}
