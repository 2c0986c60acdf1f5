// Command asu-worker runs the Worker Pool loop (internal/worker)
// against a Postgres-backed State Store, provisioning imagebuilder
// toolchains and building firmware images on demand.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/openwrt/asu/internal/build"
	"github.com/openwrt/asu/internal/config"
	"github.com/openwrt/asu/internal/distro"
	"github.com/openwrt/asu/internal/provision"
	"github.com/openwrt/asu/internal/sign"
	"github.com/openwrt/asu/internal/store/pgstore"
	"github.com/openwrt/asu/internal/worker"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "asu-worker",
		Short: "Provision imagebuilder toolchains and build firmware images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "/etc/asu/worker.toml", "path to worker config")

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("asu-worker exited")
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

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	repoTemplate, err := os.ReadFile(cfg.RepositoriesTemplate)
	if err != nil {
		return fmt.Errorf("read repositories template: %w", err)
	}
	managedMakefile, err := os.ReadFile(cfg.ManagedMakefile)
	if err != nil {
		return fmt.Errorf("read managed makefile: %w", err)
	}

	prov := provision.New(s, registry, cfg.ImagebuilderDir, string(repoTemplate), managedMakefile, entry)

	sk, err := sign.LoadOrGenerateKey(cfg.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("load signing key: %w", err)
	}

	builder := build.New(s, registry, cfg.ImagebuilderDir, cfg.ScratchDir, cfg.DownloadDir, cfg.NetworkProfilesDir, sk, cfg.SignImages, cfg.BuildTimeout, entry)

	runner := worker.New(s, prov, builder, cfg.WorkerName, cfg.WorkerAddress, cfg.DownloadDir, cfg.UpdateServer, sk, cfg.MaxSkillsPerWorker, entry)
	fleet := worker.NewFleet(runner)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		entry.WithError(err).Debug("sd_notify unavailable")
	} else if ok {
		entry.Debug("notified systemd: ready")
	}

	if cfg.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				entry.WithError(err).Warn("metrics listener stopped")
			}
		}()
	}

	entry.WithField("worker", cfg.WorkerName).Info("worker starting")
	errCh := make(chan error, 1)
	go func() { errCh <- fleet.Run(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	entry.Info("shutting down")
	select {
	case err := <-errCh:
		return err
	case <-time.After(15 * time.Second):
		return fmt.Errorf("worker shutdown timed out")
	}
}

// buildRegistry turns config.Config's [distributions.*] tables into a
// distro.Registry of Generic distros.
func buildRegistry(cfg config.Config) (*distro.Registry, error) {
	if len(cfg.Distributions) == 0 {
		return nil, fmt.Errorf("no [distributions.*] configured")
	}
	distros := make([]distro.Distro, 0, len(cfg.Distributions))
	for name, d := range cfg.Distributions {
		distros = append(distros, distro.Generic{
			DistroName:          name,
			BaseURLFmt:          d.ImagebuilderURL,
			ElideSubtarget:      d.ElideSubtargetFirst,
			ImagebuilderVersion: d.ImagebuilderVersion,
		})
	}
	return distro.NewRegistry(distros...), nil
}
