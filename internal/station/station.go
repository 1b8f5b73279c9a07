// Package station wires the sensor, broker client and LEDs together
// and supervises telemetry sessions.
//
// Startup waits a settle delay for the network, restores the last
// commanded LED state, subscribes to the control topic and connects.
// A failed connect is retried with bounded exponential backoff; when
// the budget runs out Run returns an error and the process exits so
// the service manager can restart it. A publish failure ends the
// current session and the station goes back to waiting for the broker.
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drew-griffin/android-weather-station/internal/config"
	"github.com/drew-griffin/android-weather-station/internal/connwatch"
	"github.com/drew-griffin/android-weather-station/internal/control"
	"github.com/drew-griffin/android-weather-station/internal/indicator"
	"github.com/drew-griffin/android-weather-station/internal/mqtt"
	"github.com/drew-griffin/android-weather-station/internal/sensor"
	"github.com/drew-griffin/android-weather-station/internal/telemetry"
)

// ErrTooManySessions is returned when MaxSessions consecutive sessions
// end without publishing anything.
var ErrTooManySessions = errors.New("too many failed sessions")

// shutdownTimeout bounds the offline publish and disconnect.
const shutdownTimeout = 5 * time.Second

// Transport is the broker connection used by the station.
type Transport interface {
	Subscribe(filter string, handler mqtt.MessageHandler) error
	Start(ctx context.Context) error
	AwaitConnection(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Stop(ctx context.Context) error
}

// StateStore persists LED state.
type StateStore interface {
	GetBool(namespace, key string) (value, ok bool, err error)
	SetBool(namespace, key string, value bool) error
}

// Config is the station's runtime configuration.
type Config struct {
	TelemetryTopic string
	ControlTopic   string
	SettleDelay    time.Duration
	Loop           telemetry.LoopConfig
	Backoff        connwatch.BackoffConfig
	MaxSessions    int
	RestoreLEDs    bool
}

// ConfigFrom derives the station configuration from the loaded file.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		TelemetryTopic: cfg.MQTT.TelemetryTopic,
		ControlTopic:   cfg.MQTT.ControlTopic,
		SettleDelay:    cfg.Telemetry.SettleDelay(),
		Loop: telemetry.LoopConfig{
			Topic:    cfg.MQTT.TelemetryTopic,
			Interval: cfg.Telemetry.Interval(),
			Calibration: telemetry.Calibration{
				Offset: cfg.Telemetry.TemperatureOffset,
				Unit:   cfg.Telemetry.TemperatureUnit,
			},
			ReadAttempts: cfg.Sensor.ReadAttempts,
			ReadDelay:    cfg.Sensor.ReadDelay(),
		},
		Backoff: connwatch.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialDelaySec) * time.Second,
			MaxDelay:     time.Duration(cfg.Retry.MaxDelaySec) * time.Second,
			Multiplier:   cfg.Retry.Multiplier,
			MaxRetries:   cfg.Retry.MaxRetries,
			ProbeTimeout: time.Duration(cfg.Retry.ProbeTimeoutSec) * time.Second,
		},
		MaxSessions: cfg.Retry.MaxSessions,
		RestoreLEDs: cfg.LEDs.Persist,
	}
}

// Deps are the station's collaborators. State may be nil.
type Deps struct {
	Sensor    sensor.Sensor
	Transport Transport
	LEDs      *indicator.Bank
	State     StateStore
	Clock     clock.Clock
}

// Station runs the telemetry daemon.
type Station struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

// New creates a station.
func New(cfg Config, deps Deps, logger *slog.Logger) *Station {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Station{cfg: cfg, deps: deps, logger: logger}
}

// Run blocks until ctx is cancelled or the station gives up. It returns
// ctx.Err() on cancellation.
func (s *Station) Run(ctx context.Context) error {
	if s.cfg.SettleDelay > 0 {
		s.logger.Info("waiting for network to settle", "delay", s.cfg.SettleDelay)
		if !connwatch.Sleep(ctx, s.cfg.SettleDelay) {
			return ctx.Err()
		}
	}

	if s.cfg.RestoreLEDs {
		s.restoreLEDs()
	}

	var saver control.StateSaver
	if s.deps.State != nil && s.cfg.RestoreLEDs {
		saver = s.deps.State
	}
	handler := control.NewHandler(s.deps.LEDs, saver, s.logger.With("component", "control"))
	if err := s.deps.Transport.Subscribe(s.cfg.ControlTopic, handler.Handle); err != nil {
		return fmt.Errorf("subscribe control topic: %w", err)
	}

	if err := s.deps.Transport.Start(ctx); err != nil {
		return err
	}
	defer s.shutdown(ctx)

	failures := 0
	for {
		if _, err := connwatch.Retry(ctx, "mqtt", s.cfg.Backoff, s.deps.Transport.AwaitConnection, s.logger); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connect to broker: %w", err)
		}

		published, err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if published > 0 {
			failures = 0
		}
		failures++
		s.logger.Warn("telemetry session ended",
			"error", err,
			"published", published,
			"consecutive_failures", failures,
		)
		if s.cfg.MaxSessions > 0 && failures >= s.cfg.MaxSessions {
			return fmt.Errorf("%w: %d in a row, last: %w", ErrTooManySessions, failures, err)
		}

		// Pause before probing again; the link may still report up.
		if !connwatch.Sleep(ctx, s.cfg.Backoff.InitialDelay) {
			return ctx.Err()
		}
	}
}

// session runs the telemetry loop once and reports how many records it
// published before ending.
func (s *Station) session(ctx context.Context) (int, error) {
	s.logger.Info("telemetry session starting")

	published := 0
	loop := telemetry.NewLoop(s.cfg.Loop, s.deps.Sensor, s.deps.Transport, s.deps.Clock, s.logger.With("component", "telemetry"))
	loop.OnRecord = func(telemetry.Record) { published++ }

	err := loop.Run(ctx)
	return published, err
}

// restoreLEDs applies the persisted LED state, if any.
func (s *Station) restoreLEDs() {
	if s.deps.State == nil {
		return
	}
	board, okBoard, errBoard := s.deps.State.GetBool(control.StateNamespace, control.StateKeyBoard)
	temp, okTemp, errTemp := s.deps.State.GetBool(control.StateNamespace, control.StateKeyTemp)
	if err := errors.Join(errBoard, errTemp); err != nil {
		s.logger.Warn("failed to read persisted led state", "error", err)
		return
	}
	if !okBoard && !okTemp {
		return
	}
	if err := s.deps.LEDs.Apply(board, temp); err != nil {
		s.logger.Warn("failed to restore leds", "error", err)
		return
	}
	s.logger.Info("leds restored", "board", board, "temp", temp)
}

func (s *Station) shutdown(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.deps.Transport.Stop(stopCtx); err != nil {
		s.logger.Warn("mqtt disconnect failed", "error", err)
	}
}
