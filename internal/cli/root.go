// Package cli holds the chapterdl command tree.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vrsandeep/chapterdl/internal/config"
	"github.com/vrsandeep/chapterdl/internal/core"
	"github.com/vrsandeep/chapterdl/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
	coreOpts   []core.Option
}

// NewRootCmd builds the command tree. opts are handed to every App the
// commands construct.
func NewRootCmd(opts ...core.Option) *cobra.Command {
	ro := &rootOptions{coreOpts: opts}

	root := &cobra.Command{
		Use:   "chapterdl",
		Short: "Download and manage manga chapters for offline reading",
		Long: `chapterdl downloads chapters from a content site into a local library.

Examples:
  chapterdl serve
  chapterdl fetch --series one-piece --chapter 1090 --url https://example.com/chapter/abc
  chapterdl status`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&ro.configPath, "config", "c", "", "config file (default ./config.yml)")
	root.PersistentFlags().StringVar(&ro.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(ro), newFetchCmd(ro), newStatusCmd(ro))
	return root
}

// Execute runs the command tree with the process arguments.
func Execute() error {
	return NewRootCmd().Execute()
}

func (ro *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFrom(ro.configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if ro.logLevel != "" {
		cfg.Log.Level = ro.logLevel
	}
	return cfg, nil
}

func (ro *rootOptions) newApp() (*core.App, zerolog.Logger, error) {
	cfg, err := ro.loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log := logging.New(cfg.Log)
	app, err := core.NewWithConfig(cfg, log, ro.coreOpts...)
	if err != nil {
		return nil, log, err
	}
	return app, log, nil
}
