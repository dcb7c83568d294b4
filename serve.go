package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/YuzuZensai/TrollSSH/internal/admission"
	"github.com/YuzuZensai/TrollSSH/internal/assets"
	"github.com/YuzuZensai/TrollSSH/internal/audit"
	"github.com/YuzuZensai/TrollSSH/internal/config"
	"github.com/YuzuZensai/TrollSSH/internal/framestore"
	"github.com/YuzuZensai/TrollSSH/internal/hostkey"
	"github.com/YuzuZensai/TrollSSH/internal/logging"
	"github.com/YuzuZensai/TrollSSH/internal/metrics"
	"github.com/YuzuZensai/TrollSSH/internal/resize"
	"github.com/YuzuZensai/TrollSSH/internal/server"
	"github.com/YuzuZensai/TrollSSH/internal/session"
	"github.com/YuzuZensai/TrollSSH/internal/status"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Cfg

	logging.Init(cfg.LogPath)
	defer logging.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("Config: listen=%s max_loop=%d login_delay=%dms goodbye_delay=%dms threshold=%d max_connections=%d",
		cfg.ListenAddr(), cfg.MaxLoop, cfg.LoginDelay, cfg.GoodbyeDelay, cfg.BrightnessThreshold, cfg.MaxConnections)

	signer, err := hostkey.LoadOrGenerate(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("host key: %w", err)
	}
	log.Printf("Host key %s %s", signer.PublicKey().Type(), hostkey.Fingerprint(signer))

	frames, err := framestore.EnsureBuilt(ctx, frameBuildOptions(cfg))
	if err != nil {
		return fmt.Errorf("frames: %w", err)
	}

	banners, err := assets.Load(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("banners: %w", err)
	}
	if cfg.WatchAssets {
		if err := banners.Watch(ctx); err != nil {
			log.Printf("WARNING: banner hot reload disabled: %v", err)
		}
	}

	allow, err := admission.ParseAllowedIPs(cfg.AllowedIPs)
	if err != nil {
		return fmt.Errorf("allowed IPs: %w", err)
	}
	if len(allow) > 0 {
		log.Printf("Connections restricted to %s", cfg.AllowedIPs)
	}
	admissions := admission.NewController(cfg.MaxConnections, allow)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var auditor *audit.Auditor
	if path := cfg.AuditPath(); path != "" {
		db, err := audit.Open(path)
		if err != nil {
			return err
		}
		auditor, err = audit.NewAuditor(db, cfg.AuditRetentionDays)
		if err != nil {
			return err
		}
		defer auditor.Stop()
		if cfg.AuditPurgeSchedule != "" {
			if err := auditor.SchedulePurge(cfg.AuditPurgeSchedule); err != nil {
				return err
			}
		}
		log.Printf("Audit log: %s (retention %d days)", path, auditor.RetentionDays())
	}

	sessions := session.NewManager()

	if cfg.StatusAddr != "" {
		router := status.NewRouter(status.Deps{
			Sessions:  sessions,
			Admission: admissions,
			Frames:    frames,
			Auditor:   auditor,
			Gatherer:  reg,
		})
		go func() {
			if err := status.Serve(ctx, cfg.StatusAddr, router); err != nil {
				log.Printf("[status] server error: %v", err)
			}
		}()
	}

	srv := server.New(server.Options{
		Addr:    cfg.ListenAddr(),
		HostKey: signer,
		Session: session.Config{
			MaxLoops:            cfg.MaxLoop,
			LoginDelay:          cfg.LoginDelayDuration(),
			GoodbyeDelay:        cfg.GoodbyeDelayDuration(),
			BrightnessThreshold: cfg.BrightnessThreshold,
		},
		Frames:    frames,
		Resizer:   resize.NewImageResizer(),
		Banners:   banners,
		Admission: admissions,
		Sessions:  sessions,
		Auditor:   auditor,
		Metrics:   m,
	})
	return srv.Serve(ctx)
}
