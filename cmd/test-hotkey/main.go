// Command test-hotkey is a manual test for the global hotkey listener.
// Run it, then press one of the configured combos to see the command it
// maps to. Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--config path]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/disto-reader/internal/config"
	"github.com/chaz8081/disto-reader/internal/hotkey"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Using default hotkeys (%v)\n", err)
		cfg = config.Default()
	}

	listener := hotkey.NewListener(hotkey.BindingsFromConfig(cfg.Hotkey))
	for _, b := range listener.Bindings() {
		fmt.Printf("  %-20s -> %s\n", strings.Join(b.Keys, "+"), b.Command)
	}
	fmt.Println("Press Ctrl+C to exit.")

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	go func() {
		for ev := range listener.Events() {
			fmt.Printf(">>> %s\n", ev.Command)
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
