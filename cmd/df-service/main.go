// Command df-service runs the Directory Facilitator: it answers
// REGISTER/HEARTBEAT/DEREGISTER/QUERY-REF frames against an in-memory
// Catalog and periodically sweeps expired profiles, and exposes a
// read-only HTTP status endpoint for operators.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/df"
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
	logger := logging.New("df", level)

	selfJID := getEnv("DF_JID", "df@masfed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := dialBus(ctx, cfg, selfJID)
	if err != nil {
		logger.Fatal("df bus connect failed", "error", err.Error())
	}
	defer b.Close()

	cat := df.NewCatalog(cfg.DF.HeartbeatSec, cfg.DF.TTLMultiplier)
	if cfg.DF.RedisAddr != "" {
		snap, err := df.NewSnapshotCache(ctx, cfg.DF.RedisAddr)
		if err != nil {
			logger.Warn("df snapshot cache unavailable, continuing without it", "error", err.Error())
		} else {
			defer snap.Close()
			if n, err := snap.WarmCatalog(ctx, cat); err != nil {
				logger.Warn("df snapshot warm failed", "error", err.Error())
			} else {
				logger.Info("df catalog warmed from snapshot cache", "profiles", n)
			}
			cat.SetSnapshotCache(snap)
		}
	}
	handler := df.NewHandler(cat, selfJID, logger)

	go cleanupLoop(ctx, cat, cfg.DF.CleanupPeriod, logger)
	go serveStatus(cfg.DF.ListenAddr, cat, logger)

	go func() {
		for {
			f, err := b.Receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Warn("df receive error", "error", err.Error())
				continue
			}
			if resp := handler.Handle(f); resp != nil {
				sendCtx, sendCancel := context.WithTimeout(ctx, 5*time.Second)
				if err := b.Send(sendCtx, resp); err != nil {
					logger.Warn("df send reply failed", "error", err.Error())
				}
				sendCancel()
			}
		}
	}()

	logger.Info("df-service started", "jid", selfJID, "transport", cfg.Bus.Transport)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("df-service shutting down")
}

func cleanupLoop(ctx context.Context, cat *df.Catalog, period time.Duration, log *logging.Logger) {
	if period <= 0 {
		period = df.DefaultCleanupPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := cat.GC(); len(removed) > 0 {
				log.Debug("df cleanup swept expired profiles", "count", len(removed))
			}
		}
	}
}

func serveStatus(addr string, cat *df.Catalog, log *logging.Logger) {
	router := mux.NewRouter()
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		_, profiles := cat.Query("ALL")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"profiles": profiles, "count": len(profiles)})
	}).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	log.Info("df status endpoint listening", "addr", addr)
	if err := http.ListenAndServe(addr, router); err != nil && err != http.ErrServerClosed {
		log.Warn("df status endpoint failed", "error", err.Error())
	}
}

// dialBus connects df-service to the shared bus. Memory transport only
// makes sense when every agent runs in the same process (tests, demos);
// as a standalone binary it is reachable by nothing and exists purely as
// a no-dependencies default.
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
