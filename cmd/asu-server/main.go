// Command asu-server runs the HTTP façade (internal/api) against a
// Postgres-backed State Store. Wiring follows the teacher's cobra-based
// command layout: flags bind to a config.Config, logrus does all
// logging, and readiness is reported to systemd the way a long-running
// osbuild-composer service does.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openwrt/asu/internal/api"
	"github.com/openwrt/asu/internal/config"
	"github.com/openwrt/asu/internal/intake"
	"github.com/openwrt/asu/internal/store/pgstore"
	"github.com/openwrt/asu/internal/upload"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "asu-server",
		Short: "Serve the attended sysupgrade image build API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/asu/server.toml", "path to server config")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("asu-server exited")
	}
}

func run(configPath string) error {
	log := logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := pgstore.Open(ctx, cfg.Database.DSN, entry)
	if err != nil {
		return err
	}
	defer s.Close()

	intakeSvc := intake.New(s, cfg.CanonicalDistro(), entry)
	uploadSvc := upload.New(s, cfg.DownloadDir, cfg.ScratchDir, entry)
	srv := api.New(intakeSvc, uploadSvc, s, cfg.DownloadDir, entry)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: srv.Echo(),
	}

	errCh := make(chan error, 1)
	go func() {
		entry.WithField("address", cfg.ListenAddress).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		entry.WithError(err).Debug("sd_notify unavailable")
	} else if ok {
		entry.Debug("notified systemd: ready")
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	entry.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
