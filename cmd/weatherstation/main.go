// Weatherstation publishes environmental sensor readings to an MQTT
// broker and drives two indicator LEDs from a control topic.
//
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	weatherstation run                 Run the station daemon
//	weatherstation read                Take one reading and print the record
//	weatherstation monitor             Watch telemetry from the broker
//	weatherstation led <board> <temp>  Publish an LED command (on/off)
//	weatherstation init [dir]          Initialize a working directory
//	weatherstation version             Print version and build information
//	weatherstation -o json version     Output version information as JSON
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
	"strings"
	"syscall"
	"time"

	"github.com/drew-griffin/android-weather-station/internal/buildinfo"
	"github.com/drew-griffin/android-weather-station/internal/config"
	"github.com/drew-griffin/android-weather-station/internal/connwatch"
	"github.com/drew-griffin/android-weather-station/internal/control"
	"github.com/drew-griffin/android-weather-station/internal/indicator"
	"github.com/drew-griffin/android-weather-station/internal/monitor"
	"github.com/drew-griffin/android-weather-station/internal/mqtt"
	"github.com/drew-griffin/android-weather-station/internal/opstate"
	"github.com/drew-griffin/android-weather-station/internal/sensor"
	"github.com/drew-griffin/android-weather-station/internal/station"
	"github.com/drew-griffin/android-weather-station/internal/telemetry"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the whole
// lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package to avoid global state that interferes with
// parallel tests.
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
	case "run":
		return runStation(ctx, stdout, configPath)
	case "read":
		return runRead(ctx, stdout, stderr, configPath, outputFmt)
	case "monitor":
		return runMonitor(ctx, stdout, stderr, configPath, outputFmt)
	case "led":
		if len(cmdArgs) != 2 {
			return fmt.Errorf("usage: weatherstation led <on|off> <on|off>")
		}
		return runLED(ctx, stdout, stderr, configPath, cmdArgs[0], cmdArgs[1])
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
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
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Weatherstation - BME sensor telemetry over MQTT")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: weatherstation [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run                 Run the station daemon")
	fmt.Fprintln(w, "  read                Take one reading and print the record")
	fmt.Fprintln(w, "  monitor             Watch telemetry and optionally drive TEMP_LED")
	fmt.Fprintln(w, "  led <board> <temp>  Publish an LED command (on/off each)")
	fmt.Fprintln(w, "  init [dir]          Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/weatherstation/config.yaml, /etc/weatherstation/config.yaml")
	return nil
}

// loadConfig locates and parses the YAML configuration file and builds
// the logger it asks for.
func loadConfig(explicit string, logOut io.Writer) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := config.NewLogger(logOut, level, cfg.LogFormat)
	logger.Debug("config loaded", "path", cfgPath)

	return cfg, logger, nil
}

// runStation runs the daemon until ctx is cancelled. Logs go to stdout.
func runStation(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, logger, err := loadConfig(configPath, stdout)
	if err != nil {
		return err
	}

	logger.Info("starting weatherstation",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"broker", cfg.MQTT.Broker,
		"telemetry_topic", cfg.MQTT.TelemetryTopic,
		"control_topic", cfg.MQTT.ControlTopic,
	)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	store, err := opstate.NewStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}

	sens, err := sensor.Open(cfg.Sensor, logger.With("component", "sensor"))
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	defer sens.Close()

	leds, err := indicator.Open(cfg.LEDs, logger.With("component", "leds"))
	if err != nil {
		return fmt.Errorf("open leds: %w", err)
	}
	defer leds.Close()

	client := mqtt.New(cfg.MQTT, instanceID, mqtt.Options{
		Announce:        true,
		TemperatureUnit: cfg.Telemetry.TemperatureUnit,
	}, logger.With("component", "mqtt"))

	st := station.New(station.ConfigFrom(cfg), station.Deps{
		Sensor:    sens,
		Transport: client,
		LEDs:      leds,
		State:     store,
	}, logger)

	err = st.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("weatherstation stopped", "uptime", buildinfo.Uptime().Truncate(time.Second).String())
		return nil
	}
	return err
}

// runRead takes a single reading and prints the telemetry record. The
// broker is not contacted.
func runRead(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	sens, err := sensor.Open(cfg.Sensor, logger)
	if err != nil {
		return fmt.Errorf("open sensor: %w", err)
	}
	defer sens.Close()

	r, err := sensor.ReadWithRetry(ctx, sens, cfg.Sensor.ReadAttempts, cfg.Sensor.ReadDelay(), logger)
	if err != nil {
		return err
	}
	rec := telemetry.Format(r, telemetry.Calibration{
		Offset: cfg.Telemetry.TemperatureOffset,
		Unit:   cfg.Telemetry.TemperatureUnit,
	})
	return printRecord(stdout, rec, outputFmt)
}

func printRecord(w io.Writer, rec telemetry.Record, outputFmt string) error {
	if outputFmt == "json" {
		b, err := rec.JSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}
	for _, f := range []struct{ name, value string }{
		{"Temperature", rec.Temperature},
		{"Gas", rec.Gas},
		{"Humidity", rec.Humidity},
		{"Pressure", rec.Pressure},
		{"Altitude", rec.Altitude},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", f.name+":", f.value)
	}
	return nil
}

// connectTool starts a quiet client and waits for the broker with the
// configured backoff. On error the client is already stopped.
func connectTool(ctx context.Context, cfg *config.Config, client *mqtt.Client, logger *slog.Logger) error {
	if err := client.Start(ctx); err != nil {
		return err
	}
	backoff := station.ConfigFrom(cfg).Backoff
	if _, err := connwatch.Retry(ctx, "mqtt", backoff, client.AwaitConnection, logger); err != nil {
		stopTool(client, logger)
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

func stopTool(client *mqtt.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Stop(ctx); err != nil {
		logger.Warn("mqtt disconnect failed", "error", err)
	}
}

// qos1 publishes control records at least once, as the control topic
// subscribers expect.
type qos1 struct{ c *mqtt.Client }

func (p qos1) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.c.PublishQoS(ctx, topic, payload, 1)
}

// runMonitor subscribes to the station's topics and renders each record
// until ctx is cancelled.
func runMonitor(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	client := mqtt.New(cfg.MQTT, "", mqtt.Options{}, logger.With("component", "mqtt"))
	mon := monitor.New(monitorConfig(cfg, outputFmt), qos1{client}, stdout, logger)

	if err := client.Subscribe(cfg.MQTT.TelemetryTopic, mon.HandleTelemetry); err != nil {
		return err
	}
	if err := client.Subscribe(cfg.MQTT.ControlTopic, mon.HandleControl); err != nil {
		return err
	}

	if err := connectTool(ctx, cfg, client, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer stopTool(client, logger)

	<-ctx.Done()
	return nil
}

// monitorConfig converts the Fahrenheit threshold from the file into
// the unit the station publishes.
func monitorConfig(cfg *config.Config, outputFmt string) monitor.Config {
	cal := telemetry.Calibration{Unit: cfg.Telemetry.TemperatureUnit}
	return monitor.Config{
		ControlTopic: cfg.MQTT.ControlTopic,
		HighTemp:     cal.FromFahrenheit(cfg.Monitor.HighTempF),
		AutoTempLED:  cfg.Monitor.AutoTempLED,
		Format:       outputFmt,
	}
}

// runLED publishes a single control record.
func runLED(ctx context.Context, stdout, stderr io.Writer, configPath, boardArg, tempArg string) error {
	board, err := parseSwitch(boardArg)
	if err != nil {
		return fmt.Errorf("board: %w", err)
	}
	temp, err := parseSwitch(tempArg)
	if err != nil {
		return fmt.Errorf("temp: %w", err)
	}

	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	payload, err := control.NewCommand(board, temp).JSON()
	if err != nil {
		return err
	}

	client := mqtt.New(cfg.MQTT, "", mqtt.Options{}, logger.With("component", "mqtt"))
	if err := connectTool(ctx, cfg, client, logger); err != nil {
		return err
	}
	defer stopTool(client, logger)

	if err := (qos1{client}).Publish(ctx, cfg.MQTT.ControlTopic, payload); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s -> %s\n", payload, cfg.MQTT.ControlTopic)
	return nil
}

// parseSwitch accepts on/off style arguments.
func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid value %q (expected on or off)", s)
	}
}
