// Package telemetry turns raw sensor readings into the published JSON
// record and runs the periodic publish loop.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/drew-griffin/android-weather-station/internal/sensor"
)

// Temperature units accepted by [Calibration].
const (
	UnitFahrenheit = "fahrenheit"
	UnitCelsius    = "celsius"
)

// DefaultOffset is the correction added to the raw Celsius reading
// before unit conversion. The sensor sits next to the board regulator
// and reads warm.
const DefaultOffset = -5.0

// Calibration adjusts the raw temperature.
type Calibration struct {
	Offset float64
	Unit   string
}

// DefaultCalibration returns the -5 °C offset with Fahrenheit output.
func DefaultCalibration() Calibration {
	return Calibration{Offset: DefaultOffset, Unit: UnitFahrenheit}
}

// Temperature applies the offset and converts to the configured unit.
func (c Calibration) Temperature(celsius float64) float64 {
	adjusted := celsius + c.Offset
	if c.Unit == UnitCelsius {
		return adjusted
	}
	return adjusted*9/5 + 32
}

// FromFahrenheit converts a Fahrenheit value, such as an alert
// threshold, into the unit of the published record.
func (c Calibration) FromFahrenheit(f float64) float64 {
	if c.Unit == UnitCelsius {
		return (f - 32) * 5 / 9
	}
	return f
}

// Record is the published telemetry payload. Every field holds the
// value formatted with two decimal places.
type Record struct {
	Temperature string `json:"Temperature"`
	Gas         string `json:"Gas"`
	Humidity    string `json:"Humidity"`
	Pressure    string `json:"Pressure"`
	Altitude    string `json:"Altitude"`
}

// Format calibrates r and renders each field.
func Format(r sensor.Reading, cal Calibration) Record {
	return Record{
		Temperature: fixed2(cal.Temperature(r.TemperatureC)),
		Gas:         fixed2(r.GasOhms),
		Humidity:    fixed2(r.HumidityPct),
		Pressure:    fixed2(r.PressureHPa),
		Altitude:    fixed2(r.AltitudeM),
	}
}

func fixed2(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// JSON encodes the record.
func (r Record) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// ParseRecord decodes a record received from the telemetry topic.
func ParseRecord(payload []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// TemperatureValue parses the Temperature field.
func (r Record) TemperatureValue() (float64, error) {
	v, err := strconv.ParseFloat(r.Temperature, 64)
	if err != nil {
		return 0, fmt.Errorf("parse temperature %q: %w", r.Temperature, err)
	}
	return v, nil
}
