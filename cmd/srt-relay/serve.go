package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"github.com/alxayo/srt-relay/internal/config"
	"github.com/alxayo/srt-relay/internal/logger"
	"github.com/alxayo/srt-relay/internal/session"
	"github.com/alxayo/srt-relay/internal/srt/server"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var listenAddr, metricsAddr, logLevel, cookieSecret string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if cookieSecret != "" {
				cfg.CookieSecret = cookieSecret
			}

			logger.Init()
			if err := logger.SetLevel(cfg.LogLevel); err != nil {
				return err
			}

			srv, err := server.New(cfg, session.AllowAll{})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady); ok {
				logger.Info("notified systemd readiness")
			}

			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "UDP listen address, overrides config")
	cmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "metrics HTTP listen address, overrides config")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error, overrides config")
	cmd.Flags().StringVar(&cookieSecret, "cookie-secret", "", "SYN cookie HMAC secret, overrides config")
	return cmd
}
