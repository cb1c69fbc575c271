package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"reminder-service/internal/call"
	"reminder-service/internal/config"
	"reminder-service/internal/db"
	"reminder-service/internal/directory"
	"reminder-service/internal/dispatch"
	"reminder-service/internal/event"
	"reminder-service/internal/logging"
	"reminder-service/internal/metrics"
	"reminder-service/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	cfg := config.MustLoadConfig(".")

	logger := logging.GetLogger(cfg.Logs)
	metrics.Setup(cfg.Metrics)

	connStr := cfg.Database.ConnString()
	if err := db.RunMigrations(connStr, "migrations"); err != nil {
		log.Fatal(err)
	}

	dbpool, err := db.GetPool(connStr)
	if err != nil {
		log.Fatal(err)
	}
	defer dbpool.Close()

	repo := db.NewReminderRepository(dbpool)
	lockRepo := db.NewLockRepository(dbpool)

	directoryClient := directory.NewClient(cfg.Directory)
	gateway := call.NewGateway(cfg.Vapi, logger)

	processor := event.NewProcessor(repo, directoryClient, cfg.Reminder.DefaultLeadMinutes, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := dispatch.NewDispatcher(repo, lockRepo, gateway,
		cfg.Dispatcher.IntervalMs, cfg.Dispatcher.LockName, cfg.Dispatcher.FetchSize, logger)
	dispatcher.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /liveness", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("POST /webhooks/cal", webhook.NewHandler(processor, cfg.Webhook.Secret, logger))

	server := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("Shutting down")
		cancel()
		_ = server.Shutdown(context.Background())
	}()

	logger.Info("Starting server", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
