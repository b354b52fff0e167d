// Command specialist runs a Specialist adapter: it registers with the DF,
// heartbeats, and answers REQUEST.ASK_EXPERT by delegating to an Expert.
// The expert logic itself is a black box to the core; this binary either
// calls out to an HTTP endpoint (EXPERT_URL) or, absent one, echoes the
// question back so the federation is exercisable standalone.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/logging"
	"github.com/aiserve/masfed/internal/specialist"
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
	logger := logging.New("specialist", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := dialBus(ctx, cfg, cfg.Specialist.SelfJID)
	if err != nil {
		logger.Fatal("specialist bus connect failed", "error", err.Error())
	}
	defer b.Close()

	s := specialist.New(b, cfg.Specialist.DFJID, cfg.Specialist.Capabilities, buildExpert(), cfg.Specialist.HeartbeatSec, logger)

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	logger.Info("specialist started", "jid", cfg.Specialist.SelfJID, "capabilities", cfg.Specialist.Capabilities)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("specialist shutting down")
		cancel()
	case err := <-done:
		if err != nil {
			logger.Err("specialist exited", err)
		}
	}
}

// buildExpert wires an HTTP-backed expert when EXPERT_URL is set (posting
// {question, history} and expecting {"answer": "..."} back, the same
// request/response shape internal/selector.HTTPSelector uses for its own
// external call), falling back to a deterministic echo so the binary is
// runnable with no external dependency configured.
func buildExpert() specialist.Expert {
	url := os.Getenv("EXPERT_URL")
	if url == "" {
		return func(_ context.Context, question string, _ []map[string]any) (string, error) {
			return fmt.Sprintf("echo: %s", question), nil
		}
	}
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, question string, history []map[string]any) (string, error) {
		body, err := json.Marshal(map[string]any{"question": question, "history": history})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("specialist: expert endpoint returned %d", resp.StatusCode)
		}

		var out struct {
			Answer string `json:"answer"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", err
		}
		return out.Answer, nil
	}
}

func dialBus(ctx context.Context, cfg *config.Config, jid string) (bus.Bus, error) {
	if cfg.Bus.Transport == "websocket" {
		return bus.DialWSBus(ctx, cfg.Bus.DialURL, jid)
	}
	return bus.NewMemoryBus(bus.NewHub(), jid, 256), nil
}
