// Command coordinator runs the central orchestrator: it listens for
// REQUEST.USER_MSG frames from Presenters and drives each one through DF
// lookup, Selector, and Specialist dispatch to a final reply.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/coordinator"
	"github.com/aiserve/masfed/internal/logging"
	"github.com/aiserve/masfed/internal/selector"
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
	logger := logging.New("coordinator", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := dialBus(ctx, cfg, cfg.Auth.CoordinatorJID)
	if err != nil {
		logger.Fatal("coordinator bus connect failed", "error", err.Error())
	}
	defer b.Close()

	sel := buildSelector()

	dfJID := getEnv("DF_JID", "df@masfed")
	kbJID := getEnv("KB_JID", "kb@masfed")

	dispatcher := coordinator.NewDispatcher(b, dfJID, kbJID, cfg.Coordinator, sel, logger)

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run(ctx) }()

	logger.Info("coordinator started", "jid", cfg.Auth.CoordinatorJID, "df_mode", cfg.Coordinator.DFMode)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("coordinator shutting down")
		cancel()
	case err := <-done:
		if err != nil {
			logger.Err("coordinator dispatcher exited", err)
		}
	}
}

// buildSelector wires an external HTTP selector when SELECTOR_URL is set,
// falling back to the deterministic selector.Fallback() otherwise
// (Select() tolerates a nil Selector).
func buildSelector() selector.Selector {
	url := os.Getenv("SELECTOR_URL")
	if url == "" {
		return nil
	}
	timeout := 3 * time.Second
	return selector.NewHTTPSelector(url, timeout, os.Getenv("SELECTOR_AUTH_TOKEN"))
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
