// Command bus-hub runs the websocket presence bus every other masfed
// process dials into when BUS_TRANSPORT=websocket. It exposes a single
// "/bus" endpoint; internal/bus.HubServer does the per-connection
// registration and routing.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/logging"
)

var debugMode bool

func main() {
	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := logging.Info
	if debugMode {
		level = logging.Debug
	}
	logger := logging.New("bus-hub", level)

	hub := bus.NewHub()
	server := bus.NewHubServer(hub, logger)

	mux := http.NewServeMux()
	mux.Handle("/bus", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         cfg.Bus.HubAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("bus-hub listening", "addr", cfg.Bus.HubAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("bus-hub failed", "error", err.Error())
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("bus-hub shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("bus-hub shutdown error", "error", err.Error())
	}
}
