// Package monitor watches the station from the broker side: it renders
// each telemetry record and can drive TEMP_LED from the temperature.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/drew-griffin/android-weather-station/internal/control"
	"github.com/drew-griffin/android-weather-station/internal/telemetry"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Config tunes a [Monitor].
type Config struct {
	ControlTopic string
	// HighTemp is the threshold, in the record's unit, above which the
	// temperature counts as high.
	HighTemp float64
	// AutoTempLED publishes a control record when the high-temperature
	// state changes.
	AutoTempLED bool
	// Format is "text" or "json".
	Format string
}

// Monitor tracks the last known LED state so an automatic TEMP_LED
// change does not clobber BOARD_LED.
type Monitor struct {
	cfg    Config
	pub    Publisher
	out    io.Writer
	logger *slog.Logger

	mu    sync.Mutex
	board bool
	temp  bool
	known bool
}

// New creates a monitor writing rendered records to out. pub may be nil
// when AutoTempLED is off.
func New(cfg Config, pub Publisher, out io.Writer, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{cfg: cfg, pub: pub, out: out, logger: logger}
}

// HandleTelemetry renders a record and applies the automatic LED rule.
func (m *Monitor) HandleTelemetry(ctx context.Context, topic string, payload []byte) error {
	rec, err := telemetry.ParseRecord(payload)
	if err != nil {
		m.logger.Warn("telemetry record rejected", "topic", topic, "error", err)
		return err
	}
	temp, err := rec.TemperatureValue()
	if err != nil {
		m.logger.Warn("telemetry record rejected", "topic", topic, "error", err)
		return err
	}
	high := temp > m.cfg.HighTemp

	if err := m.render(rec, high); err != nil {
		return err
	}

	if !m.cfg.AutoTempLED || m.pub == nil {
		return nil
	}
	return m.updateTempLED(ctx, high)
}

// HandleControl records LED commands seen on the control topic,
// including the monitor's own.
func (m *Monitor) HandleControl(_ context.Context, _ string, payload []byte) error {
	cmd, err := control.ParseCommand(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.board, m.temp, m.known = cmd.Board(), cmd.Temp(), true
	m.mu.Unlock()
	return nil
}

func (m *Monitor) updateTempLED(ctx context.Context, high bool) error {
	m.mu.Lock()
	if m.known && m.temp == high {
		m.mu.Unlock()
		return nil
	}
	cmd := control.NewCommand(m.board, high)
	m.temp, m.known = high, true
	m.mu.Unlock()

	payload, err := cmd.JSON()
	if err != nil {
		return err
	}
	if err := m.pub.Publish(ctx, m.cfg.ControlTopic, payload); err != nil {
		m.mu.Lock()
		m.known = false
		m.mu.Unlock()
		m.logger.Warn("failed to publish led command", "error", err)
		return fmt.Errorf("publish led command: %w", err)
	}
	m.logger.Info("temp led updated", "high", high)
	return nil
}

func (m *Monitor) render(rec telemetry.Record, high bool) error {
	if m.cfg.Format == "json" {
		line, err := json.Marshal(struct {
			telemetry.Record
			High bool `json:"high_temp"`
		}{rec, high})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(m.out, "%s\n", line)
		return err
	}

	flag := ""
	if high {
		flag = "  HIGH"
	}
	_, err := fmt.Fprintf(m.out, "temp=%s humidity=%s%% pressure=%shPa gas=%sΩ altitude=%sm%s\n",
		rec.Temperature, rec.Humidity, rec.Pressure, rec.Gas, rec.Altitude, flag)
	return err
}
