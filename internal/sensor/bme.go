package sensor

import (
	"context"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
	"periph.io/x/host/v3"
)

// BME reads a BMP280/BME280 over I²C. The bmxx80 family has no gas
// heater, so GasOhms is always zero.
type BME struct {
	mu       sync.Mutex
	bus      i2c.BusCloser
	dev      *bmxx80.Dev
	seaLevel float64
}

// OpenBME initializes the periph host drivers, opens the named I²C bus
// ("" for the first one registered) and probes the device at addr.
func OpenBME(busName string, addr uint16, seaLevelHPa float64) (*BME, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}

	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, fmt.Errorf("open i2c bus %q: %w", busName, err)
	}

	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("bmxx80 at %#x: %w", addr, err)
	}

	return &BME{bus: bus, dev: dev, seaLevel: seaLevelHPa}, nil
}

// Read performs one forced measurement.
func (b *BME) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var e physic.Env
	if err := b.dev.Sense(&e); err != nil {
		return Reading{}, fmt.Errorf("bmxx80 sense: %w", err)
	}
	return fromEnv(e, b.seaLevel), nil
}

// Close halts the device and releases the bus.
func (b *BME) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	haltErr := b.dev.Halt()
	if err := b.bus.Close(); err != nil {
		return fmt.Errorf("close i2c bus: %w", err)
	}
	return haltErr
}

// fromEnv converts periph's fixed-point units to a Reading.
func fromEnv(e physic.Env, seaLevelHPa float64) Reading {
	tempC := float64(e.Temperature-physic.ZeroCelsius) / float64(physic.Celsius)
	pressureHPa := float64(e.Pressure) / float64(100*physic.Pascal)
	humidity := float64(e.Humidity) / float64(physic.PercentRH)

	return Reading{
		TemperatureC: tempC,
		HumidityPct:  humidity,
		PressureHPa:  pressureHPa,
		AltitudeM:    Altitude(pressureHPa, seaLevelHPa),
	}
}
