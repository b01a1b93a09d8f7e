package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-gpt/internal/service"
)

var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Construct a Service from the environment and block until signaled",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(serveConfigPath)
		svc := newService(cfg)

		if cfg.Model.ID != "" && cfg.Model.Path != "" {
			if _, err := svc.ModelLoad(cmd.Context(), service.ModelLoadOptions{
				ID:   cfg.Model.ID,
				Path: cfg.Model.Path,
			}); err != nil {
				return err
			}
		}

		logrus.WithFields(logrus.Fields{
			"host": cfg.Server.Host,
			"port": cfg.Server.Port,
		}).Info("inference service ready (no transport wired; debug harness only)")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logrus.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return svc.Close(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "optional YAML config overlay")
}
