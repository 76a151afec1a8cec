package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/freeeve/endgametrainer/api/internal/config"
	"github.com/freeeve/endgametrainer/api/internal/evalcache"
	"github.com/freeeve/endgametrainer/api/internal/evaluator"
	"github.com/freeeve/endgametrainer/api/internal/httpapi"
	"github.com/freeeve/endgametrainer/api/internal/logx"
	"github.com/freeeve/endgametrainer/api/internal/prefetch"
	"github.com/freeeve/endgametrainer/api/internal/tablebase"
)

func main() {
	fs := pflag.NewFlagSet("api", pflag.ExitOnError)
	config.RegisterFlags(fs)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := logx.NewLogger(cfg.Logging())

	client, err := tablebase.NewClient(cfg.Client(logx.Component(logger, "tablebase")))
	if err != nil {
		logger.Fatal().Err(err).Msg("create tablebase client")
	}

	cache, err := evalcache.New[evaluator.Evaluation](cfg.CacheSettings())
	if err != nil {
		logger.Fatal().Err(err).Msg("create evaluation cache")
	}

	// Warm start from the last snapshot; entries past their TTL are skipped
	if cfg.Cache.Snapshot != "" {
		n, err := cache.LoadFile(cfg.Cache.Snapshot)
		if err != nil {
			logger.Warn().Err(err).Str("path", cfg.Cache.Snapshot).Msg("failed to load cache snapshot")
		} else {
			logger.Info().Int("entries", n).Str("path", cfg.Cache.Snapshot).Msg("cache snapshot loaded")
		}
	}

	ev, err := evaluator.New(evaluator.Config{
		Priority: cfg.Priority(),
		Logger:   logx.Component(logger, "evaluator"),
	}, client, cache)
	if err != nil {
		logger.Fatal().Err(err).Msg("create evaluator")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Nil interface when disabled, not a typed nil
	var pf httpapi.Prefetcher
	var pool *prefetch.Pool
	if pcfg, enabled := cfg.PrefetchSettings(logx.Component(logger, "prefetch")); enabled {
		pool, err = prefetch.NewPool(pcfg, ev)
		if err != nil {
			logger.Fatal().Err(err).Msg("create prefetch pool")
		}
		pf = pool
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      httpapi.NewRouter(logx.Component(logger, "httpapi"), ev, pf),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("tablebase", cfg.Tablebase.BaseURL).
			Str("priority", cfg.Ranking.Priority).
			Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server")
		}
	}()

	poolDone := make(chan struct{})
	if pool != nil {
		go func() {
			defer close(poolDone)
			if err := pool.Run(ctx); err != nil && err != context.Canceled {
				logger.Error().Err(err).Msg("prefetch pool stopped")
			}
		}()
	} else {
		close(poolDone)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server first
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}
	<-poolDone

	if cfg.Cache.Snapshot != "" {
		n, err := cache.SaveFile(cfg.Cache.Snapshot)
		if err != nil {
			logger.Error().Err(err).Str("path", cfg.Cache.Snapshot).Msg("cache snapshot error")
		} else {
			logger.Info().Int("entries", n).Str("path", cfg.Cache.Snapshot).Msg("cache snapshot saved")
		}
	}

	stats := ev.Stats()
	logger.Info().
		Uint64("lookups", stats.Lookups).
		Uint64("coalesced", stats.Coalesced).
		Uint64("cache_hits", stats.Cache.Hits).
		Msg("shutdown complete")
}
