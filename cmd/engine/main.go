package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opsledger/intake-engine/internal/analyzer"
	"github.com/opsledger/intake-engine/internal/api"
	"github.com/opsledger/intake-engine/internal/blob"
	"github.com/opsledger/intake-engine/internal/classify"
	"github.com/opsledger/intake-engine/internal/config"
	"github.com/opsledger/intake-engine/internal/db"
	"github.com/opsledger/intake-engine/internal/ingest"
	"github.com/opsledger/intake-engine/internal/llm"
	"github.com/opsledger/intake-engine/internal/logging"
	"github.com/opsledger/intake-engine/internal/patterns"
	"github.com/opsledger/intake-engine/internal/pipeline"
	"github.com/opsledger/intake-engine/internal/reinforce"
)

// shutdownGrace bounds how long in-flight chunks and open requests get to
// finish after SIGINT/SIGTERM before the process exits anyway.
const shutdownGrace = 20 * time.Second

func main() {
	cfgPath := flag.String("config", "", "path to a config file (optional; INTAKE_* env vars override)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("port", cfg.Server.Port).Msg("starting intake engine")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns, log)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("apply schema")
	}

	blobs, err := blob.NewFSStore(cfg.Blob.Dir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.Blob.Dir).Msg("open blob store")
	}

	client := llm.NewHTTPClient(cfg.LLM, log)
	if !client.Enabled() {
		log.Warn().Msg("no llm api key configured: classification runs on patterns and defaults only")
	}

	matcher := patterns.NewMatcher(store, log)

	planner, err := analyzer.New(store, client, cfg.Pipeline, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init analyzer")
	}

	classifier := classify.New(matcher, client, log)
	learner := reinforce.New(store, client, matcher, log)

	hub := api.NewHub(log)
	go hub.Run()

	coordinator := pipeline.New(pipeline.Deps{
		Store:      store,
		Blobs:      blobs,
		Analyzer:   planner,
		Ingest:     ingest.NewEngine(store, log),
		Classifier: classifier,
		Notify: func(p pipeline.Progress) {
			hub.Broadcast(p.TenantID, api.EventJobProgress, p)
		},
		Log: log,
	}, cfg.Pipeline)

	router := api.SetupRouter(api.Deps{
		Store:      store,
		Blobs:      blobs,
		Jobs:       coordinator,
		Reinforce:  learner,
		Preview:    learner.Previewer(),
		Matcher:    matcher,
		Hub:        hub,
		Server:     cfg.Server,
		LLMEnabled: client.Enabled(),
		Log:        log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := coordinator.Shutdown(shutCtx); err != nil {
		log.Error().Err(err).Msg("pipeline shutdown: jobs still running")
	}
	hub.Close()

	log.Info().Msg("intake engine stopped")
}
