package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mkvarda/batchstream/config"
	"github.com/mkvarda/batchstream/internal/api"
	"github.com/mkvarda/batchstream/internal/batch"
	"github.com/mkvarda/batchstream/internal/rabbit"
	"github.com/mkvarda/batchstream/internal/repository"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level from config
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().Str("appName", cfg.AppName).Msg("Application starting")

	// --- Initializations ---

	// Initialize Database
	db, err := repository.Connect(cfg.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Database")
	}
	defer db.Close()

	batches := repository.NewPostgresBatchRepository(db)
	items := repository.NewPostgresBatchItemRepository(db)

	// Initialize the broker connection pair
	connections := rabbit.NewConnectionsProvider(rabbit.ConnectionConfig{
		URL:           cfg.RabbitMQURL,
		RetryInterval: cfg.ConnectRetryInterval,
		MaxRetries:    cfg.MaxConnectRetries,
	}, rabbit.AMQPDialer, log.Logger, rabbit.ConnectionListeners{})
	defer connections.Close()

	// Initialize the batch saga
	sender := batch.NewMessageSender(connections.ProducerProvider(), log.Logger)
	manager := batch.NewManager(connections.ConsumerProvider(), log.Logger, batches, items, sender,
		batch.ManagerConfig{
			AppName:      cfg.AppName,
			WorkerCount:  cfg.WorkersPerBatch,
			ReadyTimeout: cfg.WorkerReadyWait,
			Worker: batch.ProcessorConfig{
				WorkDelay:      cfg.ItemWorkDelay,
				PollInterval:   cfg.BarrierPollDelay,
				BarrierTimeout: cfg.StageBarrierLimit,
				Prefetch:       cfg.RabbitMQPrefetchCount,
			},
		})
	defer manager.Close()

	listener, err := batch.StartActionListener(connections.ConsumerProvider(), log.Logger, manager, cfg.AppName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start batch action listener")
	}
	defer listener.Close()

	// --- HTTP API ---
	handler := api.NewHandler(manager, batches, sender, log.Logger)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      loggingMiddleware(handler.Routes()),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	log.Info().Msg("Application setup complete. Running and waiting for messages.")
	log.Info().Msg("Press Ctrl+C to exit.")

	// --- Wait for shutdown signal ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// --- Graceful Shutdown ---
	log.Info().Msg("Application shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server forced to shut down")
	}
	// Deferred calls close the listener, workers, broker connections and the
	// database in reverse initialization order.
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("Request handled")
	})
}
