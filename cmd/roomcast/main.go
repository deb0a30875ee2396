package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/aeolun/roomcast/pkg/database"
	"github.com/aeolun/roomcast/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.roomcast/config.toml", "path to config file")
	listenAddr := flag.String("listen", "", "listen address (overrides config)")
	metricsAddr := flag.String("metrics", "", "metrics address (overrides config)")
	dbPath := flag.String("db", "", "database path (overrides config)")
	ephemeral := flag.Bool("ephemeral", false, "keep history in memory only")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags override file and environment
	if *listenAddr != "" {
		config.Server.ListenAddr = *listenAddr
	}
	if *metricsAddr != "" {
		config.Server.MetricsAddr = *metricsAddr
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *ephemeral {
		config.Server.Ephemeral = true
	}

	var store server.MessageStore
	if config.Server.Ephemeral {
		store = database.NewMemStore()
		log.Println("Running ephemeral: history is kept in memory only")
	} else {
		path, err := config.DatabasePath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		db, err := database.Open(path)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		store = db
		log.Printf("Message history stored in %s", path)
	}

	srv := server.NewServer(store, config.ToServerConfig())
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		os.Exit(1)
	}
}
