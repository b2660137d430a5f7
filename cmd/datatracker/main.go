package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"datatracker/internal/cache"
	"datatracker/internal/config"
	"datatracker/internal/domain"
	"datatracker/internal/extract"
	"datatracker/internal/handler"
	"datatracker/internal/hub"
	"datatracker/internal/middleware"
	"datatracker/internal/tracker"
)

func main() {
	once := flag.Bool("once", false, "run a single cycle, print the tracks and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// -once prints tracks on stdout, so logs move to stderr.
	logOut := os.Stdout
	if *once {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	if *once {
		if err := runOnce(cfg, logger); err != nil {
			logger.Error("cycle failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("starting datatracker",
		"log_level", cfg.LogLevel.String(),
		"http_addr", cfg.HTTPAddr,
		"source_url", cfg.SourceURL,
		"poll_interval", cfg.PollInterval,
		"redis_enabled", cfg.RedisEnabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wsHub := hub.NewHub(cfg.TileZoomLevel, logger)

	var historyCache *cache.HistoryCache
	if cfg.RedisEnabled {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cache.DefaultPrefix, logger)
		if err != nil {
			logger.Error("redis unavailable, running without persistence", "error", err)
		} else {
			defer redisCache.Close()
			historyCache = cache.NewHistoryCache(redisCache, cfg.HistoryTTL, logger)
		}
	}

	renderers := multiRenderer{wsHub}
	opts := engineOptions(cfg)
	opts.AutoStart = false
	opts.Renderer = renderers
	if historyCache != nil {
		opts.Renderer = append(renderers, historyCache)
		opts.OnUpdate = historyCache.Submit
	}

	engine, err := tracker.New(opts, logger)
	if err != nil {
		logger.Error("failed to create tracker", "error", err)
		os.Exit(1)
	}

	var onClear func()
	if historyCache != nil {
		if saved, err := historyCache.Load(ctx); err != nil {
			logger.Warn("failed to load saved history", "error", err)
		} else if saved != nil {
			engine.Restore(saved)
		}
		onClear = historyCache.Reset
	}

	httpHandler := handler.NewHTTPHandler(engine, onClear, logger)
	wsHandler := handler.NewWSHandler(wsHub, engine, logger)
	healthHandler := handler.NewHealthHandler(engine)
	statsHandler := handler.NewStatsHandler(engine, wsHub)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/tracks", httpHandler.GetTracks)
	mux.HandleFunc("GET /v1/tracks/summary", httpHandler.GetTrackSummary)
	mux.HandleFunc("GET /v1/history", httpHandler.GetHistory)
	mux.HandleFunc("GET /v1/history/{id}", httpHandler.GetEntity)
	mux.HandleFunc("DELETE /v1/history", httpHandler.ClearHistory)
	mux.HandleFunc("POST /v1/tracker/start", httpHandler.StartTracker)
	mux.HandleFunc("POST /v1/tracker/stop", httpHandler.StopTracker)
	mux.HandleFunc("GET /v1/stats", statsHandler.GetStats)
	mux.HandleFunc("/v1/ws", wsHandler.ServeWS)

	mux.HandleFunc("GET /healthz", healthHandler.Healthz)
	mux.HandleFunc("GET /readyz", healthHandler.Readyz)

	limiter := middleware.NewRateLimiter(cfg.RateLimitPerWindow, cfg.RateLimitWindow, cfg.RateLimitWhitelist,
		handler.ServerStats.IncRateLimitBlocked, logger)
	defer limiter.Close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler.CORSMiddleware(limiter.Middleware(handler.GzipMiddleware(mux))),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})

	if historyCache != nil {
		g.Go(func() error {
			historyCache.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		engine.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	if cfg.AutoStart {
		engine.Start()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-gctx.Done():
	}

	cancel()

	if err := g.Wait(); err != nil {
		logger.Error("HTTP server error", "error", err)
	}

	logger.Info("shutdown complete")
}

func engineOptions(cfg *config.Config) tracker.Options {
	maxHistory := cfg.MaxHistorySize
	if maxHistory <= 0 {
		maxHistory = tracker.Unbounded
	}

	return tracker.Options{
		URL:            cfg.SourceURL,
		Interval:       cfg.PollInterval,
		FetchTimeout:   cfg.FetchTimeout,
		MinPositions:   cfg.MinPositions,
		MaxHistorySize: maxHistory,
		Extractors: extract.FromFields(extract.Fields{
			ItemsPath:   cfg.ItemsPath,
			IDField:     cfg.IDField,
			LonFields:   cfg.LonFields,
			LatFields:   cfg.LatFields,
			FilterField: cfg.FilterField,
			FilterValue: cfg.FilterValue,
		}),
	}
}

func runOnce(cfg *config.Config, logger *slog.Logger) error {
	engine, err := tracker.New(engineOptions(cfg), logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.FetchTimeout)
	defer cancel()

	if err := engine.RunOnce(ctx); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(engine.Tracks())
}

type multiRenderer []tracker.Renderer

func (m multiRenderer) Render(fc domain.FeatureCollection) {
	for _, r := range m {
		r.Render(fc)
	}
}
