// Command masctl is the read-only Knowledge Base admin CLI: it connects
// directly to KB storage (bypassing the bus) and supports `get` and
// `dump`, in the teacher's cmd/admin flag+tabwriter idiom.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aiserve/masfed/internal/config"
	"github.com/aiserve/masfed/internal/kb"
)

var (
	key       string
	version   int
	session   string
	debugMode bool
)

func main() {
	flag.StringVar(&key, "key", "", "Item key (for `get`)")
	flag.IntVar(&version, "version", 0, "Item version (for `get`, 0 = latest)")
	flag.StringVar(&session, "session", "", "Session ID (for `dump`)")
	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	store, err := openStore(ctx, cfg.KB)
	if err != nil {
		log.Fatalf("Failed to open KB store: %v", err)
	}
	defer store.Close()

	switch args[0] {
	case "get":
		if key == "" {
			log.Fatal("Usage: masctl get --key=<K> [--version=N]")
		}
		runGet(ctx, store, key, version)
	case "dump":
		if session == "" {
			log.Fatal("Usage: masctl dump --session=<S>")
		}
		runDump(ctx, store, session)
	default:
		fmt.Printf("Unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func runGet(ctx context.Context, store kb.Store, key string, version int) {
	item, err := store.Get(ctx, kb.GetParams{Key: key, Version: version})
	if err != nil {
		log.Fatalf("get failed: %v", err)
	}
	valueJSON, _ := json.MarshalIndent(item.Value, "", "  ")

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "key:\t%s\n", item.Key)
	fmt.Fprintf(w, "version:\t%d\n", item.Version)
	fmt.Fprintf(w, "etag:\t%s\n", item.ETag)
	fmt.Fprintf(w, "content_type:\t%s\n", item.ContentType)
	fmt.Fprintf(w, "session_id:\t%s\n", item.SessionID)
	fmt.Fprintf(w, "created_by:\t%s\n", item.CreatedBy)
	fmt.Fprintf(w, "created_at:\t%s\n", item.CreatedAt.Format(time.RFC3339Nano))
	w.Flush()
	fmt.Println("value:")
	fmt.Println(string(valueJSON))
}

func runDump(ctx context.Context, store kb.Store, session string) {
	items, err := store.DumpSession(ctx, session)
	if err != nil {
		log.Fatalf("dump failed: %v", err)
	}
	if len(items) == 0 {
		fmt.Printf("no items found for session %q\n", session)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVERSION\tCONTENT_TYPE\tCREATED_BY\tCREATED_AT")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			item.Key, item.Version, item.ContentType, item.CreatedBy,
			item.CreatedAt.Format(time.RFC3339Nano))
	}
	w.Flush()
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

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  masctl get --key=<K> [--version=N]")
	fmt.Println("  masctl dump --session=<S>")
}
