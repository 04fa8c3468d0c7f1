package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/chapterdl/internal/downloader"
	"github.com/vrsandeep/chapterdl/internal/models"
	"github.com/vrsandeep/chapterdl/internal/store"
)

// StatusReport is what `chapterdl status --json` prints.
type StatusReport struct {
	Queue  downloader.QueueSnapshot      `json:"queue"`
	Paused []models.PausedDownloadRecord `json:"paused"`
	Stats  models.StorageStats           `json:"stats"`
}

func newStatusCmd(ro *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the persisted queue and paused downloads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, _, err := ro.newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			ctx := cmd.Context()

			var report StatusReport
			if _, err := app.Store().GetState(ctx, store.QueueSnapshotKey, &report.Queue); err != nil {
				return fmt.Errorf("read queue snapshot: %w", err)
			}
			if err := app.Manager().LoadPaused(ctx); err != nil {
				return fmt.Errorf("read paused downloads: %w", err)
			}
			report.Paused = app.Manager().PausedRecords()
			if report.Stats, err = app.Manager().Stats(ctx); err != nil {
				return fmt.Errorf("read storage stats: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printStatus(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")
	return cmd
}

func printStatus(out io.Writer, r StatusReport) error {
	state := "running"
	if r.Queue.IsPaused {
		state = "paused"
	}
	fmt.Fprintf(out, "Queue: %d item(s), %s\n", len(r.Queue.Items), state)
	if r.Queue.LastProcessed != nil {
		fmt.Fprintf(out, "Last processed: %s\n", r.Queue.LastProcessed.Format(time.DateTime))
	}
	fmt.Fprintf(out, "Library: %d chapter(s), %s used, %s free\n\n",
		r.Stats.TotalChapters, formatBytes(r.Stats.TotalSize), formatBytes(r.Stats.AvailableSpace))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if len(r.Queue.Items) > 0 {
		fmt.Fprintln(tw, "ID\tPRIORITY\tSTATUS\tPROGRESS\tADDED")
		for _, it := range r.Queue.Items {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d%%\t%s\n", it.DownloadID, it.Priority, it.Status, it.Progress, it.AddedAt.Format(time.DateTime))
		}
		fmt.Fprintln(tw)
	}
	if len(r.Paused) > 0 {
		fmt.Fprintln(tw, "PAUSED\tREASON\tSTATUS\tPROGRESS\tSINCE")
		for _, rec := range r.Paused {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", rec.DownloadID, rec.Reason, rec.Status, rec.Progress, rec.Timestamp.Format(time.DateTime))
		}
		fmt.Fprintln(tw)
	}
	if len(r.Queue.Failed) > 0 {
		fmt.Fprintln(tw, "FAILED\tURL")
		for _, it := range r.Queue.Failed {
			fmt.Fprintf(tw, "%s\t%s\n", it.DownloadID, it.ChapterURL)
		}
	}
	return tw.Flush()
}
