package main

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"infrasys/internal/config"
	"infrasys/internal/logging"
)

// app carries the state shared by every subcommand once the root command
// has loaded configuration.
type app struct {
	configFile string
	logLevel   string

	cfg config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "infrasys",
		Short: "Inspect and convert saved infrastructure systems",
		Long: `infrasys works on systems saved as a JSON document beside a time series
directory, or packed into a .tar.gz archive. Settings come from infrasys.yaml
and INFRASYS_* environment variables.`,
		SilenceUsage:       true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	root.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default: ./infrasys.yaml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level")

	root.AddCommand(newInspectCmd(a))
	root.AddCommand(newConvertCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log.With(zap.String("command", cmd.Name()))
	return nil
}

func (a *app) teardown(*cobra.Command, []string) error {
	if a.log == nil {
		return nil
	}
	// stderr does not support fsync on most terminals
	if err := a.log.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) && !errors.Is(err, syscall.ENOTTY) {
		return err
	}
	return nil
}
