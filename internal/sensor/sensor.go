// Package sensor reads the station's environmental sensor.
//
// Two drivers are available: "bme" talks to a Bosch BMx280-family part
// over I²C through periph.io, and "sim" produces deterministic synthetic
// readings for development machines without a sensor attached. Both
// return a raw [Reading]; calibration and formatting happen in the
// telemetry package.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/drew-griffin/android-weather-station/internal/config"
)

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("sensor closed")

// Reading is one raw snapshot from the sensor.
type Reading struct {
	TemperatureC float64
	GasOhms      float64
	HumidityPct  float64
	PressureHPa  float64
	AltitudeM    float64
}

// Sensor produces readings. Implementations must be safe to call from
// one goroutine at a time; the telemetry loop never reads concurrently.
type Sensor interface {
	Read(ctx context.Context) (Reading, error)
	Close() error
}

// Open returns the driver selected by cfg.Driver.
func Open(cfg config.SensorConfig, logger *slog.Logger) (Sensor, error) {
	switch cfg.Driver {
	case "bme":
		s, err := OpenBME(cfg.Bus, cfg.Address, cfg.SeaLevelHPa)
		if err != nil {
			return nil, err
		}
		logger.Info("sensor opened", "driver", "bme", "bus", cfg.Bus, "address", fmt.Sprintf("%#x", cfg.Address))
		return s, nil
	case "sim":
		logger.Info("sensor opened", "driver", "sim")
		return NewSim(DefaultSimBase(), cfg.SeaLevelHPa), nil
	default:
		return nil, fmt.Errorf("unknown sensor driver %q", cfg.Driver)
	}
}

// Altitude estimates height above sea level in meters from station
// pressure using the international barometric formula.
func Altitude(pressureHPa, seaLevelHPa float64) float64 {
	if pressureHPa <= 0 || seaLevelHPa <= 0 {
		return 0
	}
	return 44330.0 * (1.0 - math.Pow(pressureHPa/seaLevelHPa, 0.1903))
}

// ReadWithRetry calls s.Read up to attempts times, pausing delay between
// tries. Only the last error is returned.
func ReadWithRetry(ctx context.Context, s Sensor, attempts int, delay time.Duration, logger *slog.Logger) (Reading, error) {
	if attempts < 1 {
		attempts = 1
	}
	var r Reading
	err := retry.Do(
		func() error {
			var err error
			r, err = s.Read(ctx)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("sensor read failed, retrying",
				"attempt", n+1,
				"max_attempts", attempts,
				"error", err,
			)
		}),
	)
	if err != nil {
		return Reading{}, fmt.Errorf("read sensor: %w", err)
	}
	return r, nil
}
