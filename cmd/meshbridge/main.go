// Meshbridge polls a mesh-WiFi vendor cloud and exposes every system,
// access point, and client device to Home Assistant over MQTT discovery.
//
// It keeps a single cloud session, refreshes the full inventory on a
// fixed interval, runs scheduled WAN speed tests, and routes commands
// (restart, pause, prioritize, light brightness) from Home Assistant and
// the HTTP API back to the cloud. Configuration is loaded from a single
// YAML file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	meshbridge serve                 Start the bridge
//	meshbridge init [dir]            Write a starter config.yaml
//	meshbridge systems               Refresh once and print the inventory
//	meshbridge speedtest <system>    Run a speed test now and print the result
//	meshbridge version               Print version and build information
//	meshbridge -o json <command>     Output as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/meshbridge/internal/api"
	"github.com/nugget/meshbridge/internal/buildinfo"
	"github.com/nugget/meshbridge/internal/config"
	"github.com/nugget/meshbridge/internal/connwatch"
	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/entities"
	"github.com/nugget/meshbridge/internal/events"
	"github.com/nugget/meshbridge/internal/metrics"
	"github.com/nugget/meshbridge/internal/mqtt"
	"github.com/nugget/meshbridge/internal/opstate"
	"github.com/nugget/meshbridge/internal/wifi"
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates immediately to [run] so the whole lifecycle can be driven
// from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the meshbridge command. Structured
// logs go to stdout; fatal error messages are returned to main, which
// prints them to stderr. Arguments are parsed by hand so run holds no
// global flag state and can be called concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "systems":
		return runSystems(ctx, stdout, stderr, configPath, outputFmt)
	case "speedtest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: meshbridge speedtest <system_id>")
		}
		return runSpeedTest(ctx, stdout, stderr, configPath, outputFmt, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Get()
	if outputFmt == "json" {
		return writeIndentedJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, f := range info.Fields() {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Meshbridge - mesh WiFi cloud bridge for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: meshbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                Start the bridge")
	fmt.Fprintln(w, "  init [dir]           Write a starter config.yaml (default: .)")
	fmt.Fprintln(w, "  systems              Refresh once and print the inventory")
	fmt.Fprintln(w, "  speedtest <system>   Run a WAN speed test now")
	fmt.Fprintln(w, "  version              Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runSystems opens a session, refreshes once without speed tests, and
// prints what the bridge would expose.
func runSystems(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)

	client := newCloudClient(cfg, logger)
	coord, err := coordinator.New(ctx, coordinator.Config{
		Gateway:      client,
		NewGateway:   func() (wifi.Gateway, error) { return newCloudClient(cfg, logger), nil },
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer func() { coord.Gateway().Close() }()

	if err := coord.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	snap := coord.Snapshot()

	ids := sortedKeys(snap.Systems)
	if outputFmt == "json" {
		list := make([]*wifi.System, 0, len(ids))
		for _, id := range ids {
			list = append(list, snap.Systems[id])
		}
		return writeIndentedJSON(stdout, list)
	}

	for _, id := range ids {
		sys := snap.Systems[id]
		fmt.Fprintf(stdout, "%s  %s  firmware %s\n", sys.ID, sys.Status, sys.FirmwareVersion)
		fmt.Fprintf(stdout, "  devices: %d main, %d guest, %d total\n", sys.ConnectedDevices, sys.GuestDevices, sys.TotalDevices)
		for _, apID := range sortedKeys(sys.AccessPoints) {
			ap := sys.AccessPoints[apID]
			fmt.Fprintf(stdout, "  ap %-20s %-24s %s\n", ap.ID, ap.DisplayName(), ap.Status)
		}
		for _, devID := range sortedKeys(sys.Devices) {
			dev := sys.Devices[devID]
			state := "away"
			if dev.Connected {
				state = "home"
			}
			fmt.Fprintf(stdout, "  device %-16s %-32s %-5s %s\n", dev.ID, dev.DisplayName(), dev.Network, state)
		}
	}
	return nil
}

// runSpeedTest runs one WAN speed test and waits for the result.
func runSpeedTest(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, systemID string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := cfg.Logger(stderr)

	client := newCloudClient(cfg, logger)
	defer client.Close()

	res, err := client.RunSpeedTest(ctx, systemID)
	if err != nil {
		return fmt.Errorf("speed test: %w", err)
	}
	if res == nil {
		return fmt.Errorf("speed test: system %s reported no result", systemID)
	}

	if outputFmt == "json" {
		return writeIndentedJSON(stdout, res)
	}
	up, _ := entities.ConvertBps(res.UploadBps, cfg.SpeedUnits)
	down, _ := entities.ConvertBps(res.DownloadBps, cfg.SpeedUnits)
	fmt.Fprintf(stdout, "%s  upload %.2f %s  download %.2f %s  at %s\n",
		systemID, up, cfg.SpeedUnits, down, cfg.SpeedUnits, res.Timestamp.Format(time.RFC3339))
	return nil
}

// runServe handles the "meshbridge serve" subcommand. It opens the
// cloud session, waits for the first good refresh, then starts the
// MQTT bridge and the HTTP API and blocks until a shutdown signal.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT bridge publishes offline and disconnects
//  3. The HTTP server drains in-flight requests
//  4. The cloud session and the state database are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting meshbridge", buildinfo.LogAttrs()...)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger = cfg.Logger(stdout)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"poll_interval", cfg.PollInterval(),
		"speed_units", cfg.SpeedUnits,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "meshbridge.db")
	store, err := opstate.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open state database %s: %w", dbPath, err)
	}
	defer store.Close()
	logger.Info("state database opened", "path", dbPath)

	bus := events.New()
	m := metrics.New()
	m.RegisterDropCounter(bus.Dropped)

	// --- Coordinator ---
	coord, err := coordinator.New(ctx, coordinator.Config{
		NewGateway: func() (wifi.Gateway, error) {
			return newCloudClient(cfg, logger), nil
		},
		PollInterval: cfg.PollInterval(),
		SpeedTest: coordinator.SpeedTestPolicy{
			Auto:     cfg.SpeedTest.Enabled(),
			Interval: cfg.SpeedTest.Interval(),
		},
		Bus:     bus,
		Store:   store,
		Metrics: m,
		Logger:  logger.With("component", "coordinator"),
	})
	if err != nil {
		return err
	}
	defer func() { coord.Gateway().Close() }()

	// The first refresh must succeed before anything is exposed. A
	// rejected credential fails startup; outages are retried.
	startup := connwatch.DefaultBackoffConfig()
	startup.ProbeTimeout = 2 * time.Duration(cfg.Cloud.TimeoutSec) * time.Second
	err = connwatch.Await(ctx, "cloud", startup, coord.Refresh,
		func(err error) bool { return errors.Is(err, coordinator.ErrConfig) }, logger)
	if err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}
	coord.MarkStarted()

	snap := coord.Snapshot()
	logger.Info("initial refresh complete", "systems", len(snap.Systems), "devices", len(coord.Inventory()))

	// --- Connection health ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "cloud",
		Probe: func(context.Context) error {
			if !coord.LastUpdateSuccess() {
				return errors.New("last refresh failed")
			}
			return nil
		},
		Backoff: connwatch.BackoffConfig{PollInterval: cfg.PollInterval()},
		OnDown: func(err error) {
			logger.Warn("cloud unavailable, entities marked unavailable", "error", err)
		},
	})

	// --- MQTT bridge ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		registry := entities.NewRegistry(coord, entities.Options{
			SpeedUnit:   cfg.SpeedUnits,
			AddDisabled: cfg.AddDisabled,
			Logger:      logger.With("component", "entities"),
		})
		registry.Populate(snap)
		logger.Info("entities registered", "count", registry.Len())

		mqttPub = mqtt.New(cfg.MQTT, instanceID, mqtt.Deps{
			Registry: registry,
			Source:   coord,
			Bus:      bus,
			Metrics:  m,
			Logger:   logger.With("component", "mqtt"),
		})
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
		})

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
		)
	} else {
		logger.Warn("mqtt not configured, Home Assistant entities disabled")
	}

	// --- HTTP API ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Coordinator: coord,
		Health:      connMgr,
		Bus:         bus,
		Metrics:     m,
		Logger:      logger.With("component", "api"),
	})

	go coord.Start(ctx)

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown incomplete", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	<-shutdownDone

	logger.Info("meshbridge stopped")
	return nil
}

// newCloudClient opens a new cloud session from the configured refresh
// credential. No I/O happens until the first call.
func newCloudClient(cfg *config.Config, logger *slog.Logger) *wifi.Client {
	return wifi.NewClient(wifi.ClientConfig{
		RefreshToken: cfg.Cloud.RefreshToken,
		ClientID:     cfg.Cloud.ClientID,
		ClientSecret: cfg.Cloud.ClientSecret,
		TokenURL:     cfg.Cloud.TokenURL,
		BaseURL:      cfg.Cloud.BaseURL,
		Timeout:      time.Duration(cfg.Cloud.TimeoutSec) * time.Second,
		Logger:       logger.With("component", "wifi"),
	})
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
