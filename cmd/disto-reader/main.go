package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chaz8081/disto-reader/internal/ble"
	"github.com/chaz8081/disto-reader/internal/ble/protocol"
	"github.com/chaz8081/disto-reader/internal/config"
	"github.com/chaz8081/disto-reader/internal/hotkey"
	"github.com/chaz8081/disto-reader/internal/inject"
	"github.com/chaz8081/disto-reader/internal/session"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/disto-reader/config.yaml)")
	active := flag.Bool("active", false, "active mode: measure on console commands instead of the device button")
	delay := flag.Float64("delay", 1, "passive mode: seconds between the button press and the measurement")
	autoType := flag.Bool("auto-type", false, "type each measurement into the focused application")
	separator := flag.String("separator", ".", "decimal separator for display and auto-type: . or ,")
	address := flag.String("address", "", "connect only to the DISTO with this address")
	backend := flag.String("backend", "", "BLE backend: tinygo or hci (Linux only)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Default config written to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Explicit flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "active":
			cfg.Mode = "passive"
			if *active {
				cfg.Mode = "active"
			}
		case "delay":
			cfg.CountdownSeconds = *delay
		case "auto-type":
			cfg.AutoType.Enabled = *autoType
		case "separator":
			cfg.Separator = *separator
		case "address":
			cfg.BLE.Address = strings.ToUpper(strings.TrimSpace(*address))
		case "backend":
			cfg.BLE.Backend = *backend
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	mode, err := session.ParseMode(cfg.Mode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	setupLogging(cfg.LogLevel, os.Stderr)
	printBanner(cfg)

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = shutdownError(ctx, run(ctx, cfg, mode))
	stop()
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	log.Println("Goodbye!")
	// Exit directly to avoid gohook's C cleanup crash.
	// The OS reclaims the event hook on process exit.
	os.Exit(0)
}

// shutdownError drops the cancellation error of an interrupted run so a
// Ctrl+C during scanning or connecting exits cleanly.
func shutdownError(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// run connects to the device and processes events until the operator
// quits, a signal arrives, or the device goes away.
func run(ctx context.Context, cfg *config.Config, mode session.Mode) error {
	adapter, err := newAdapter(cfg.BLE.Backend)
	if err != nil {
		return err
	}

	mgr := ble.NewManager(adapter, ble.ManagerOptions{
		Address:          cfg.BLE.Address,
		ConnectTimeout:   cfg.BLE.ConnectTimeout,
		SubscribeTimeout: cfg.BLE.SubscribeTimeout,
	})

	log.Printf("Scanning for DISTO (timeout %s)...", cfg.BLE.ScanTimeout)
	dev, err := mgr.Discover(ctx, cfg.BLE.ScanTimeout)
	if err != nil {
		return fmt.Errorf("%w\n\nCheck that the DISTO is switched on with Bluetooth enabled and not connected to another app.", err)
	}
	log.Printf("Found %s (%s, RSSI %d)", dev.Name, dev.Address, dev.RSSI)

	sess, err := mgr.Connect(ctx, dev)
	if err != nil {
		return err
	}
	defer mgr.Close(sess)

	if err := mgr.EnableNotifications(ctx, sess); err != nil {
		return err
	}

	unit, err := sess.ReadUnit()
	if err != nil {
		slog.Warn("[SESSION] initial unit read failed", "error", err)
	}

	policy := session.ForMode(mode, cfg.Countdown())
	machine := session.New(sess, policy, session.WithInitialUnit(unit))
	sep := cfg.SeparatorRune()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out io.Writer = os.Stdout
	if mode == session.ModeActive {
		con, err := newConsole(machine)
		if err != nil {
			return err
		}
		defer con.Close()
		out = con.Stdout()
		setupLogging(cfg.LogLevel, con.Stderr())
		go con.Run(ctx, cancel)

		if cfg.Hotkey.Enabled {
			go runHotkeys(ctx, cfg.Hotkey, machine)
		}
	}

	var typed chan protocol.Measurement
	if cfg.AutoType.Enabled {
		typed = make(chan protocol.Measurement, 8)
		injector := inject.NewMeasurementInjector(inject.NewInjector(cfg.AutoType.Method, cfg.AutoType.PressEnter), sep)
		go injector.Run(ctx, typed)
		log.Printf("Auto-type ready (method: %s)", cfg.AutoType.Method)
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- machine.Run(ctx, sess.Notifications())
	}()

	fmt.Fprintln(out, readyMessage(policy, unit))

	for ev := range machine.Events() {
		fmt.Fprintln(out, formatEvent(ev, sep))
		if ev.Kind != session.EventMeasurement || typed == nil {
			continue
		}
		select {
		case typed <- *ev.Measurement:
		default:
			slog.Warn("[INJECT] auto-type busy, measurement not typed", "cycle", ev.Cycle)
		}
	}

	if err := <-runErr; err != nil {
		if errors.Is(err, ble.ErrSessionClosed) {
			return fmt.Errorf("device disconnected: %w", err)
		}
		return err
	}
	return nil
}

// newAdapter returns the BLE backend named in the config.
func newAdapter(backend string) (ble.Adapter, error) {
	switch backend {
	case "hci":
		a, err := ble.NewHCIAdapter()
		if err != nil {
			return nil, fmt.Errorf("hci backend: %w", err)
		}
		return a, nil
	default:
		return ble.NewTinyGoAdapter(), nil
	}
}

// runHotkeys forwards hotkey presses to the machine until ctx ends.
func runHotkeys(ctx context.Context, cfg config.HotkeyConfig, m *session.Machine) {
	listener := hotkey.NewListener(hotkey.BindingsFromConfig(cfg))
	go listener.Start()
	go func() {
		<-ctx.Done()
		listener.Stop()
	}()

	for _, b := range listener.Bindings() {
		slog.Info("[HOTKEY] bound", "keys", strings.Join(b.Keys, "+"), "command", b.Command)
	}

	for ev := range listener.Events() {
		if err := m.Request(ctx, ev.Command); err != nil {
			slog.Warn("[HOTKEY] command rejected", "command", ev.Command, "error", err)
		}
	}
}

// setupLogging installs the default slog handler writing to w.
func setupLogging(level string, w io.Writer) {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(level)})
	slog.SetDefault(slog.New(handler))
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== disto-reader ===")
	fmt.Printf("  Mode:      %s\n", cfg.Mode)
	if cfg.Mode == "passive" {
		fmt.Printf("  Countdown: %s\n", cfg.Countdown())
	}
	fmt.Printf("  Separator: %q\n", cfg.Separator)
	fmt.Printf("  BLE:       %s", cfg.BLE.Backend)
	if cfg.BLE.Address != "" {
		fmt.Printf(" (%s)", cfg.BLE.Address)
	}
	fmt.Println()
	if cfg.AutoType.Enabled {
		fmt.Printf("  Auto-type: %s\n", cfg.AutoType.Method)
	} else {
		fmt.Println("  Auto-type: off")
	}
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("====================")
}
