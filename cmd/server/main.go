package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/manpreetbhatti/sketchroom/internal/api"
	"github.com/manpreetbhatti/sketchroom/internal/config"
	"github.com/manpreetbhatti/sketchroom/internal/db"
	"github.com/manpreetbhatti/sketchroom/internal/ledger"
	"github.com/manpreetbhatti/sketchroom/internal/logging"
	"github.com/manpreetbhatti/sketchroom/internal/ratelimit"
	"github.com/manpreetbhatti/sketchroom/internal/retention"
	"github.com/manpreetbhatti/sketchroom/internal/room"
	"github.com/manpreetbhatti/sketchroom/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "console")
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to initialize database")
	}
	defer database.Close()

	if n, err := database.CloseAbandoned(time.Now()); err != nil {
		logger.Warn().Err(err).Msg("failed to close rooms left open by a previous run")
	} else if n > 0 {
		logger.Info().Int64("rooms", n).Msg("closed rooms left open by a previous run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := ledger.NewRecorder(database, logger, ledger.DefaultBufferSize)
	var recorderDone sync.WaitGroup
	recorderDone.Add(1)
	go func() {
		defer recorderDone.Done()
		recorder.Run(ctx)
	}()

	pruner := retention.New(database, retention.Config{
		Interval: cfg.RetentionInterval,
		MaxAge:   cfg.Retention,
	}, logger)
	pruner.Start()

	hubConfig := ws.DefaultConfig()
	hubConfig.PongWait = cfg.PongWait
	hubConfig.MaxMessageBytes = cfg.MaxMessageBytes
	hubConfig.MessagesPerSecond = cfg.MessagesPerSecond
	hubConfig.MessageBurst = cfg.MessageBurst
	hubConfig.UnclaimedRoomTTL = cfg.UnclaimedRoomTTL

	hub := ws.NewHub(room.NewRegistry(), recorder, logger, hubConfig)
	go hub.Run()

	createLimiter := ratelimit.NewKeyedLimiters(cfg.CreateRoomRate, cfg.CreateRoomBurst)
	defer createLimiter.Stop()

	apiHandler := api.New(hub, database, createLimiter, logger)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r)
	})
	apiHandler.Routes(r)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info().Msg("shutting down server")

		shutdownCtx, done := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer done()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown incomplete")
		}
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("db", cfg.DBPath).
		Msg("sketchroom server starting")
	logger.Info().Msg("endpoints: /ws, /health, /api/stats, /api/rooms/*, /monitoring/*")

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("ListenAndServe")
	}

	// Hijacked websocket connections outlive Shutdown; the hub closes them
	// and records every live room as closed before the ledger drains.
	hub.Stop()
	pruner.Stop()
	cancel()
	recorderDone.Wait()

	logger.Info().
		Int64("ledger_written", recorder.Written()).
		Int64("ledger_dropped", recorder.Dropped()).
		Msg("server stopped")
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
