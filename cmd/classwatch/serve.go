package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"classwatch/internal/api"
	"classwatch/internal/config"
	"classwatch/internal/ingest"
	"classwatch/internal/logging"
	"classwatch/internal/metrics"
	"classwatch/internal/model"
	"classwatch/internal/monitor"
	"classwatch/internal/publish"
	"classwatch/internal/storage"
)

const configPollInterval = 3 * time.Second

func serveCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Ingest frames and serve the live session API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *options) error {
	mgr, err := opts.loadManager()
	if err != nil {
		return err
	}
	cfg := mgr.Get()
	logger := logging.New(os.Stdout, opts.level(cfg), cfg.LogFormat)
	logger.Info("classwatch starting", "version", version, "config", mgr.Path(), "kind", cfg.Session.Kind)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector, err := metrics.NewCollector(reg, cfg.Metrics.Namespace)
	if err != nil {
		return err
	}

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		logger.Info("session archive enabled", "driver", cfg.Storage.Driver)
	}

	session, err := monitor.New(cfg,
		monitor.WithLogger(logging.Component(logger, "monitor")),
		monitor.WithStore(store),
		monitor.WithStats(metrics.NewStore(cfg.Metrics.StoreLimit)),
		monitor.WithCollector(collector),
	)
	if err != nil {
		return err
	}

	hub := api.NewHub(logging.Component(logger, "websocket"))
	go hub.Run(ctx)
	session.OnEvent(hub.Broadcast)

	if cfg.MQTT.Enabled {
		pub, err := publish.NewMQTT(cfg.MQTT, logging.Component(logger, "mqtt"))
		if err != nil {
			logger.Warn("mqtt publishing disabled", "err", err)
		} else {
			fwd := publish.NewForwarder(pub, cfg.Ingest.ChannelBuffer, logging.Component(logger, "mqtt"))
			go fwd.Run(ctx)
			session.OnEvent(fwd.Enqueue)
		}
	}

	frames := make(chan model.Frame, cfg.Ingest.ChannelBuffer)
	done := session.Start(ctx, frames)

	ingestLogger := logging.Component(logger, "ingest")
	pipeline := ingest.NewPipeline(mgr, frames, ingestLogger, collector)
	ingest.StartREST(ctx, pipeline, ingestLogger)
	ingest.StartTCPStream(ctx, pipeline, ingestLogger)
	ingest.StartFileTail(ctx, pipeline, ingestLogger)
	ingest.StartKafka(ctx, pipeline, ingestLogger)

	api.Start(ctx, api.NewServer(mgr, session, reg, hub, logging.Component(logger, "api"), version))

	go mgr.Watch(configPollInterval,
		func(next *config.Config) {
			session.ApplyConfig(next)
			logger.Info("config reloaded", "path", mgr.Path())
		},
		func(err error) {
			logger.Warn("config reload failed", "path", mgr.Path(), "err", err)
		},
		ctx.Done(),
	)

	<-ctx.Done()
	<-done
	session.Close()
	st := session.Status()
	logger.Info("classwatch stopped", "session_id", st.SessionID, "frames", st.Frames, "events", st.Events)
	return nil
}
