package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"instareply/config"
	"instareply/internal/audit"
	"instareply/internal/automation"
	"instareply/internal/handlers"
	"instareply/internal/instagram"
	"instareply/internal/scheduler"
	"instareply/internal/services"
	"instareply/internal/store"
	"instareply/pkg/logger"
)

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer st.Close()

	graphClient := instagram.NewClient(cfg.GraphAPIBaseURL, cfg.GraphAPIVersion)

	// Audit fanout and envelope archival are optional; a failure to reach
	// either backend disables that channel rather than blocking startup.
	var rabbit *audit.Publisher
	if cfg.RabbitURL != "" {
		rabbit, err = audit.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Error().Err(err).Msg("Could not connect to RabbitMQ, audit fanout disabled")
			rabbit = nil
		} else {
			defer rabbit.Close()
		}
	} else {
		log.Info().Msg("RABBITMQ_URL is not set, audit fanout disabled")
	}

	var archiver *audit.Archiver
	if cfg.S3Bucket != "" {
		archiver, err = audit.NewArchiver(audit.ArchiveConfig{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			log.Error().Err(err).Msg("Could not configure S3, envelope archival disabled")
			archiver = nil
		}
	}

	sink := audit.NewSink(st, rabbit, archiver)
	matcher := automation.NewMatcher(st)
	pipeline := services.NewPipeline(st, matcher, graphClient, sink)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(pipeline, st, cfg.SelfURL, cfg.SweepInterval, cfg.ProbeInterval, cfg.SweepLimit)
	sched.Start(ctx)

	handler := handlers.NewHandler(pipeline, st, cfg.WebhookToken, cfg.SweepLimit)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
}
