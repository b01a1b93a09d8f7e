// Package cmd is the debug-harness CLI: a local, sequential client that
// makes one request-surface call per invocation against an in-process
// Service. It is not a production transport (spec.md §1 scopes out any
// HTTP/RPC surface); it exists so the core is exercisable end-to-end
// from a shell.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-gpt/internal/config"
	"github.com/inference-sim/inference-gpt/internal/runtime"
	"github.com/inference-sim/inference-gpt/internal/service"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "inference-gpt",
	Short: "Local LLM inference service debug harness",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
}

// Execute runs the CLI, exiting the process with status 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log", "info", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(modelCmd)
	rootCmd.AddCommand(sessionCmd)
}

// newService constructs a Service from the process environment, shared
// by every subcommand that needs one. Each CLI invocation is its own
// process, so the fake runtime capability stands in here for the real
// cgo kernel binding exactly as it does in tests (see internal/runtime's
// package doc) — a real build would swap runtime.NewFake() for the real
// binding's constructor at this one call site.
func newService(cfg config.Config) *service.Service {
	log := logrus.WithField("node_id", cfg.Node.ID)
	return service.New(service.Options{
		Capability:    runtime.NewFake(),
		Log:           log,
		SessionTTL:    cfg.Session.IdleTTL,
		SessionMaxLen: cfg.Session.MaxLen,
	})
}

func loadConfig(overlayPath string) config.Config {
	cfg := config.FromEnv()
	if overlayPath != "" {
		var err error
		cfg, err = config.ApplyYAMLFile(cfg, overlayPath)
		if err != nil {
			logrus.WithError(err).Fatal("failed to apply config overlay")
		}
	}
	return cfg
}
