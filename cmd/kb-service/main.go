// Command kb-service runs the Knowledge Base: it answers STORE/GET frames
// against a persistent Store (Postgres or SQLite), authorizes the single
// whitelisted writer, and exposes Prometheus metrics and a health check.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/kb"
	"github.com/aiserve/masfed/internal/kbauth"
	"github.com/aiserve/masfed/internal/logging"
	"github.com/aiserve/masfed/internal/metrics"
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
	logger := logging.New("kb", level)

	selfJID := getEnv("KB_JID", "kb@masfed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg.KB)
	if err != nil {
		logger.Fatal("kb store open failed", "error", err.Error())
	}
	defer store.Close()

	issuer := kbauth.NewIssuer(cfg.Auth.KBAuthSecret, cfg.Auth.CoordinatorJID, cfg.Auth.TokenTTL)

	reg := prometheus.NewRegistry()
	metricsSink := metrics.NewKB(reg)

	handler := kb.NewHandler(store, issuer, metricsSink, selfJID, logger)

	b, err := dialBus(ctx, cfg, selfJID)
	if err != nil {
		logger.Fatal("kb bus connect failed", "error", err.Error())
	}
	defer b.Close()

	go serveObservability(cfg.KB.MetricsAddr, reg, logger)

	go func() {
		for {
			f, err := b.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("kb receive error", "error", err.Error())
				continue
			}
			if resp := handler.Handle(ctx, f); resp != nil {
				sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
				if err := b.Send(sendCtx, resp); err != nil {
					logger.Warn("kb send reply failed", "error", err.Error())
				}
				sendCancel()
			}
		}
	}()

	logger.Info("kb-service started", "jid", selfJID, "backend", cfg.KB.Backend)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("kb-service shutting down")
}

func openStore(ctx context.Context, cfg config.KBConfig) (kb.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return kb.NewSQLiteStore(cfg.SQLitePath)
	default:
		return kb.NewPostgresStore(ctx, kb.PostgresConfig{
			DSN:            cfg.PostgresDSN,
			MaxConns:       int32(cfg.MaxConns),
			ConnectTimeout: cfg.ConnectTimeout,
		})
	}
}

func serveObservability(addr string, reg *prometheus.Registry, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	log.Info("kb metrics endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.Warn("kb metrics endpoint failed", "error", err.Error())
	}
}

func dialBus(ctx context.Context, cfg *config.Config, jid string) (bus.Bus, error) {
	if cfg.Bus.Transport == "websocket" {
		return bus.DialWSBus(ctx, cfg.Bus.DialURL, jid)
	}
	return bus.NewMemoryBus(bus.NewHub(), jid, 256), nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
