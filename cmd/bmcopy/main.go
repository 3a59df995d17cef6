// Package main is the entry point for bmcopy, the cross-provider file copy
// tool. It runs work files from the command line or serves the HTTP front end.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/brucemcpherson/bm-drive-cloud/internal/config"
	"github.com/brucemcpherson/bm-drive-cloud/internal/logging"
	"github.com/brucemcpherson/bm-drive-cloud/internal/metrics"
	"github.com/brucemcpherson/bm-drive-cloud/internal/storage"
	"github.com/brucemcpherson/bm-drive-cloud/internal/worker"
)

var version = "dev"

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the settings shared by every subcommand.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}
	a.v.SetEnvPrefix("BMCOPY")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "bmcopy",
		Short: "Copy files between the filesystem, cloud object stores and Google Drive",
		Long: `bmcopy streams files between the local filesystem, Google Cloud Storage,
Google Drive, Amazon S3 and Azure Blob Storage. Work is described by a JSON
work file and a consolidated credential file.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to YAML configuration file")
	flags.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	flags.String("log-format", "", "log format: text, json (default: from config or text)")
	_ = a.v.BindPFlags(flags)

	root.AddCommand(newCopyCommand(a), newServeCommand(a))
	return root
}

// init loads configuration, applies flag and environment overrides and
// sets up logging.
func (a *app) init() error {
	cfg, err := config.Load(a.v.GetString("config"))
	if err != nil {
		return err
	}
	if lvl := a.v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if format := a.v.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if port := a.v.GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if a.v.GetBool("partial") {
		cfg.Transfer.PartialResults = true
	}

	a.cfg = cfg
	a.logger = logging.Setup(cfg.Logging.Level, cfg.Logging.Format, a.stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}
	return nil
}

func (a *app) executor() *worker.Executor {
	reg := storage.DefaultRegistry(worker.StorageOptions(a.cfg, logging.Component(a.logger, "storage")))
	return worker.NewExecutor(reg, worker.OptionsFromConfig(a.cfg, logging.Component(a.logger, "worker")))
}
