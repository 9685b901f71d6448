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
	"github.com/fanoutlabs/courier/internal/correlation"
	"github.com/fanoutlabs/courier/internal/delivery"
)

func main() {
	cfg := config.Load()

	// Message bus
	broker, err := bus.New(cfg)
	if err != nil {
		log.Fatalf("broker setup failed: %v", err)
	}
	defer broker.Close() //nolint:errcheck // best-effort cleanup on shutdown

	registry := delivery.NewRegistry()
	hub := delivery.NewHub(registry)

	topics, err := correlation.NewTracker(broker, cfg.Channels.TopicQuery, cfg.Channels.TopicQueryResponse, cfg.QueryTimeout)
	if err != nil {
		log.Fatalf("topic tracker setup failed: %v", err)
	}

	engine := delivery.NewEngine(broker, hub, registry, cfg.Channels)
	if err := engine.Start(); err != nil {
		log.Fatalf("delivery engine failed to start: %v", err)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler).Methods("GET")
	delivery.NewHandler(hub, topics, cfg.AllowedOrigins).RegisterRoutes(r)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("Shutting down delivery...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Fatalf("Server shutdown failed: %v", err)
		}
	}()

	log.Printf("Starting delivery on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}

	log.Println("Delivery stopped")
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "service": "delivery"})
}
