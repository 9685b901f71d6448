package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/fanoutlabs/courier/internal/bus"
	"github.com/fanoutlabs/courier/internal/config"
	"github.com/fanoutlabs/courier/internal/dispatcher"
	"github.com/fanoutlabs/courier/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	// Stores: PostgreSQL when reachable, in-memory otherwise so a broken
	// database never blocks routing (writes are fire-and-forget anyway).
	var notifications store.NotificationStore
	var subscriptions store.SubscriptionStore

	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("WARNING: database connection failed: %v (using in-memory stores)", err)
		notifications = store.NewMemoryNotificationStore()
		subscriptions = store.NewMemorySubscriptionStore()
	} else {
		defer pool.Close()
		if err := store.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Printf("WARNING: migrations failed: %v", err)
		}
		notifications = store.NewPostgresNotificationStore(pool)
		subscriptions = store.NewPostgresSubscriptionStore(pool)
	}

	// Message bus
	broker, err := bus.New(cfg)
	if err != nil {
		log.Fatalf("broker setup failed: %v", err)
	}
	defer broker.Close() //nolint:errcheck // best-effort cleanup on shutdown

	d := dispatcher.New(broker, notifications, subscriptions, cfg.Channels)
	if err := d.Start(); err != nil {
		log.Fatalf("dispatcher failed to start: %v", err)
	}

	// Health endpoint
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down dispatcher...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Starting dispatcher on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Dispatcher stopped")
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "dispatcher"})
}
