package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/chapterdl/internal/models"
)

type fetchOptions struct {
	seriesID string
	title    string
	chapter  float64
	url      string
	quiet    bool
}

func newFetchCmd(ro *rootOptions) *cobra.Command {
	fo := &fetchOptions{}
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download one chapter in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFetch(ctx, cmd, ro, fo)
		},
	}
	cmd.Flags().StringVar(&fo.seriesID, "series", "", "series id (required)")
	cmd.Flags().StringVar(&fo.title, "title", "", "series title")
	cmd.Flags().Float64Var(&fo.chapter, "chapter", 0, "chapter number (required)")
	cmd.Flags().StringVar(&fo.url, "url", "", "chapter page URL (required)")
	cmd.Flags().BoolVarP(&fo.quiet, "quiet", "q", false, "do not draw a progress bar")
	cmd.MarkFlagRequired("series")
	cmd.MarkFlagRequired("chapter")
	cmd.MarkFlagRequired("url")
	return cmd
}

func runFetch(ctx context.Context, cmd *cobra.Command, ro *rootOptions, fo *fetchOptions) error {
	app, log, err := ro.newApp()
	if err != nil {
		return err
	}
	defer app.Close()
	defer app.Manager().Close(context.Background())
	out := cmd.OutOrStdout()

	stored, err := app.Library().IsDownloaded(ctx, fo.seriesID, fo.chapter)
	if err != nil {
		return err
	}
	if stored {
		fmt.Fprintf(out, "Chapter %s of %s is already downloaded.\n", models.FormatChapterNumber(fo.chapter), fo.seriesID)
		return nil
	}

	opts := app.Config().Downloader.Options()
	capture, err := app.Broker().Intercept(ctx, fo.url, opts.TokenTimeout)
	if err != nil {
		return fmt.Errorf("token acquisition: %w", err)
	}
	log.Debug().Str("content_id", capture.ContentID).Msg("Captured access token")

	dc := models.DownloadContext{
		SeriesID:      fo.seriesID,
		SeriesTitle:   fo.title,
		ChapterNumber: fo.chapter,
		ContentID:     capture.ContentID,
		AccessToken:   capture.AccessToken,
		RefererURL:    fo.url,
	}
	bar := newProgressBar(cmd.ErrOrStderr(), fo.quiet)
	remove := app.Manager().AddProgressListener(dc.ID(), bar.update)
	res := app.Manager().DownloadFromToken(ctx, dc)
	remove()
	last := bar.finish()

	switch {
	case res.Success:
		ok := 0
		for _, img := range res.Images {
			if img.DownloadStatus == models.ImageCompleted {
				ok++
			}
		}
		fmt.Fprintf(out, "Downloaded chapter %s of %s: %d/%d pages, %s in %d attempt(s).\n",
			models.FormatChapterNumber(fo.chapter), fo.seriesID, ok, len(res.Images), formatBytes(last.DownloadedBytes), res.Attempts)
		return nil
	case res.Error != nil:
		for _, s := range res.Error.Suggestions {
			fmt.Fprintf(cmd.ErrOrStderr(), "  hint: %s\n", s)
		}
		return fmt.Errorf("download %s: %s", res.Status, res.Error.Message)
	default:
		return errors.New("download " + string(res.Status))
	}
}
