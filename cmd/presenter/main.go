// Command presenter is a REPL-style CLI presenter adapter: it reads
// questions from stdin, forwards each one to the Coordinator over the
// bus, and prints the reply, in the teacher's cmd/client flag+stdin loop
// idiom.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/aiserve/masfed/internal/bus"
	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/logging"
	"github.com/aiserve/masfed/internal/presenter"
)

var (
	sessionID string
	debugMode bool
)

func main() {
	flag.StringVar(&sessionID, "session", "", "Session ID (default: generated)")
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
	logger := logging.New("presenter", level)

	if sessionID == "" {
		sessionID = fmt.Sprintf("%s-%d", cfg.Presenter.SelfJID, os.Getpid())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	b, err := dialBus(ctx, cfg, cfg.Presenter.SelfJID)
	if err != nil {
		logger.Fatal("presenter bus connect failed", "error", err.Error())
	}
	defer b.Close()

	p := presenter.New(b, cfg.Presenter.CoordJID, sessionID, cfg.Presenter.ReqTimeout, logger)

	fmt.Printf("masfed presenter (session %s). Type a question, or Ctrl-D to exit.\n", sessionID)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}

		answer, err := p.Ask(ctx, question)
		if err != nil {
			fmt.Printf("(error) %v\n", err)
			continue
		}
		fmt.Println(answer)
	}
}

func dialBus(ctx context.Context, cfg *config.Config, jid string) (bus.Bus, error) {
	if cfg.Bus.Transport == "websocket" {
		return bus.DialWSBus(ctx, cfg.Bus.DialURL, jid)
	}
	return bus.NewMemoryBus(bus.NewHub(), jid, 256), nil
}
