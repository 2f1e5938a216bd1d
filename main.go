// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/AngkinV/Nexus-All/internal/client"
	"github.com/AngkinV/Nexus-All/internal/config"
	"github.com/AngkinV/Nexus-All/internal/storage"
	"github.com/AngkinV/Nexus-All/internal/util"
)

var (
	cfgPath  = flag.String("config", "nexus.json", "Path to config file")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Nexus v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	cfg, created, err := config.Ensure(*cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s: fill in identity.user_id and server URLs\n", *cfgPath)
		return
	}

	if cfg.Debug {
		logging.SetAllLoggers(logging.LevelDebug)
	} else {
		logging.SetAllLoggers(logging.LevelInfo)
	}

	baseDir := filepath.Dir(*cfgPath)
	dataDir := util.ResolvePath(baseDir, cfg.Storage.DataDir)
	store, err := storage.Open(filepath.Join(dataDir, cfg.Identity.UserID))
	if err != nil {
		log.Fatalf("Failed to open cache: %v", err)
	}
	defer store.Close()

	printBanner(cfg, store.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	c := client.New(cfg, store)
	if err := c.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Nexus - realtime messaging client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  nexus [-config nexus.json]   Run the messaging client")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to the JSON config file (created with defaults if missing)")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}

func printBanner(cfg config.Config, cachePath string) {
	fmt.Printf("User:     %s\n", cfg.Identity.UserID)
	fmt.Printf("Server:   %s\n", cfg.Server.WSURL)
	fmt.Printf("Cache:    %s\n", cachePath)
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println()
}
