package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vrsandeep/chapterdl/internal/api"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(ro *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download queue and the HTTP API",
		Long: `Run the download queue, background jobs and the HTTP API.

SIGUSR1 suspends active downloads as if the app went to the background;
SIGUSR2 resumes them. SIGINT and SIGTERM shut down gracefully.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, log, err := ro.newApp()
			if err != nil {
				return err
			}
			defer app.Close()
			if cmd.Flags().Changed("port") {
				app.Config().Port = port
			}

			ctx := context.Background()
			if err := app.Start(ctx); err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", app.Config().Port),
				Handler:           api.NewServer(app).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			serverErr := make(chan error, 1)
			go func() {
				log.Info().Str("addr", httpServer.Addr).Msg("Starting web server")
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			signals := make(chan os.Signal, 1)
			signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2)
			defer signal.Stop(signals)

		loop:
			for {
				select {
				case err = <-serverErr:
					log.Error().Err(err).Msg("Web server stopped")
					break loop
				case sig := <-signals:
					switch sig {
					case syscall.SIGUSR1:
						app.Lifecycle().OnSuspend()
					case syscall.SIGUSR2:
						app.Lifecycle().OnResume()
					default:
						log.Info().Str("signal", sig.String()).Msg("Shutting down server")
						break loop
					}
				}
			}

			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
				log.Warn().Err(serr).Msg("Server forced to shutdown")
			}
			if serr := app.Shutdown(shutdownCtx); serr != nil {
				log.Warn().Err(serr).Msg("Background services did not stop cleanly")
			}
			log.Info().Msg("Server exiting")
			return err
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides config)")
	return cmd
}
