package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drew-griffin/android-weather-station/internal/sensor"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LoopConfig configures a [Loop].
type LoopConfig struct {
	Topic        string
	Interval     time.Duration
	Calibration  Calibration
	ReadAttempts int
	ReadDelay    time.Duration
}

// Loop reads the sensor and publishes a record once per interval.
type Loop struct {
	cfg    LoopConfig
	sensor sensor.Sensor
	pub    Publisher
	clock  clock.Clock
	logger *slog.Logger

	// OnRecord, if set, is called after each successful publish.
	OnRecord func(Record)
}

// NewLoop creates a loop. A nil clk uses the wall clock.
func NewLoop(cfg LoopConfig, s sensor.Sensor, pub Publisher, clk clock.Clock, logger *slog.Logger) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{cfg: cfg, sensor: s, pub: pub, clock: clk, logger: logger}
}

// Run publishes immediately and then on every tick until ctx is done or
// a publish fails. A failed sensor read skips that iteration only.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.Info("telemetry loop started",
		"topic", l.cfg.Topic,
		"interval", l.cfg.Interval,
	)

	for {
		if err := l.step(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step performs one read-format-publish iteration.
func (l *Loop) step(ctx context.Context) error {
	reading, err := sensor.ReadWithRetry(ctx, l.sensor, l.cfg.ReadAttempts, l.cfg.ReadDelay, l.logger)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("skipping telemetry iteration", "error", err)
		return nil
	}

	rec := Format(reading, l.cfg.Calibration)
	payload, err := rec.JSON()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := l.pub.Publish(ctx, l.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish telemetry: %w", err)
	}

	l.logger.Debug("telemetry published",
		"topic", l.cfg.Topic,
		"temperature", rec.Temperature,
		"humidity", rec.Humidity,
		"pressure", rec.Pressure,
	)
	if l.OnRecord != nil {
		l.OnRecord(rec)
	}
	return nil
}
