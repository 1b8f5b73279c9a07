package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/drew-griffin/android-weather-station/internal/sensor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFormat_RawFiveIsFreezing(t *testing.T) {
	rec := Format(sensor.Reading{TemperatureC: 5}, DefaultCalibration())
	if rec.Temperature != "32.00" {
		t.Errorf("Temperature = %q, want %q", rec.Temperature, "32.00")
	}
}

func TestFormat(t *testing.T) {
	r := sensor.Reading{
		TemperatureC: 25,
		GasOhms:      51234.567,
		HumidityPct:  45.1,
		PressureHPa:  1008.456,
		AltitudeM:    40.004,
	}

	tests := []struct {
		name string
		cal  Calibration
		want Record
	}{
		{
			name: "fahrenheit",
			cal:  DefaultCalibration(),
			want: Record{"68.00", "51234.57", "45.10", "1008.46", "40.00"},
		},
		{
			name: "celsius with offset",
			cal:  Calibration{Offset: -5, Unit: UnitCelsius},
			want: Record{"20.00", "51234.57", "45.10", "1008.46", "40.00"},
		},
		{
			name: "no offset",
			cal:  Calibration{Unit: UnitFahrenheit},
			want: Record{"77.00", "51234.57", "45.10", "1008.46", "40.00"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(r, tt.cal); got != tt.want {
				t.Errorf("Format() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCalibration_FromFahrenheit(t *testing.T) {
	tests := []struct {
		unit string
		in   float64
		want float64
	}{
		{UnitFahrenheit, 70, 70},
		{"", 70, 70},
		{UnitCelsius, 212, 100},
		{UnitCelsius, 32, 0},
	}
	for _, tt := range tests {
		got := Calibration{Unit: tt.unit}.FromFahrenheit(tt.in)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("unit %q: FromFahrenheit(%v) = %v, want %v", tt.unit, tt.in, got, tt.want)
		}
	}
}

func TestRecord_JSON(t *testing.T) {
	rec := Record{"32.00", "0.00", "45.00", "1013.25", "0.00"}
	b, err := rec.JSON()
	if err != nil {
		t.Fatalf("JSON() error = %v", err)
	}
	want := `{"Temperature":"32.00","Gas":"0.00","Humidity":"45.00","Pressure":"1013.25","Altitude":"0.00"}`
	if string(b) != want {
		t.Errorf("JSON() = %s\nwant %s", b, want)
	}
}

func TestParseRecord_TemperatureValue(t *testing.T) {
	rec, err := ParseRecord([]byte(`{"Temperature":"71.50","Gas":"0.00","Humidity":"1","Pressure":"1","Altitude":"1"}`))
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}
	v, err := rec.TemperatureValue()
	if err != nil {
		t.Fatalf("TemperatureValue() error = %v", err)
	}
	if v != 71.5 {
		t.Errorf("TemperatureValue() = %v, want 71.5", v)
	}

	if _, err := ParseRecord([]byte(`{`)); err == nil {
		t.Error("ParseRecord() should fail on truncated JSON")
	}
	if _, err := (Record{Temperature: "warm"}).TemperatureValue(); err == nil {
		t.Error("TemperatureValue() should fail on non-numeric field")
	}
}

// stubSensor returns a fixed reading, failing the first failures calls.
// Every call is signalled on reads.
type stubSensor struct {
	reading  sensor.Reading
	failures int
	calls    int
	reads    chan struct{}
}

func (s *stubSensor) Read(ctx context.Context) (sensor.Reading, error) {
	s.calls++
	if s.reads != nil {
		s.reads <- struct{}{}
	}
	if s.calls <= s.failures {
		return sensor.Reading{}, errors.New("i2c timeout")
	}
	return s.reading, nil
}

func (s *stubSensor) Close() error { return nil }

type message struct {
	topic   string
	payload string
}

// chanPublisher forwards publishes to a channel, optionally failing.
type chanPublisher struct {
	out chan message
	err error
}

func (p *chanPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.out <- message{topic, string(payload)}
	return nil
}

func waitMessage(t *testing.T, ch <-chan message) message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return message{}
	}
}

func assertNoMessage(t *testing.T, ch <-chan message) {
	t.Helper()
	select {
	case m := <-ch:
		t.Fatalf("unexpected publish: %+v", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestLoop_PublishesEveryTick(t *testing.T) {
	mock := clock.NewMock()
	pub := &chanPublisher{out: make(chan message, 8)}
	s := &stubSensor{reading: sensor.Reading{TemperatureC: 5}}

	loop := NewLoop(LoopConfig{
		Topic:        "drew/weather_station",
		Interval:     time.Second,
		Calibration:  DefaultCalibration(),
		ReadAttempts: 1,
	}, s, pub, mock, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	// First record goes out before any tick.
	first := waitMessage(t, pub.out)
	if first.topic != "drew/weather_station" {
		t.Errorf("topic = %q", first.topic)
	}
	want := `{"Temperature":"32.00","Gas":"0.00","Humidity":"0.00","Pressure":"0.00","Altitude":"0.00"}`
	if first.payload != want {
		t.Errorf("payload = %s, want %s", first.payload, want)
	}

	for i := range 3 {
		assertNoMessage(t, pub.out)
		mock.Add(time.Second)
		if m := waitMessage(t, pub.out); m.payload != want {
			t.Errorf("tick %d payload = %s", i, m.payload)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestLoop_SkipsFailedRead(t *testing.T) {
	mock := clock.NewMock()
	pub := &chanPublisher{out: make(chan message, 8)}
	s := &stubSensor{
		reading:  sensor.Reading{TemperatureC: 5},
		failures: 1,
		reads:    make(chan struct{}, 8),
	}

	var seen []Record
	loop := NewLoop(LoopConfig{
		Topic:        "t",
		Interval:     time.Second,
		Calibration:  DefaultCalibration(),
		ReadAttempts: 1,
	}, s, pub, mock, quietLogger())
	loop.OnRecord = func(r Record) { seen = append(seen, r) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	select {
	case <-s.reads:
	case <-time.After(2 * time.Second):
		t.Fatal("sensor never read")
	}
	assertNoMessage(t, pub.out)

	mock.Add(time.Second)
	waitMessage(t, pub.out)

	cancel()
	<-done
	if len(seen) != 1 || seen[0].Temperature != "32.00" {
		t.Errorf("OnRecord saw %+v", seen)
	}
}

func TestLoop_PublishFailureEndsRun(t *testing.T) {
	errBroker := errors.New("not connected")
	pub := &chanPublisher{err: errBroker}
	s := &stubSensor{reading: sensor.Reading{TemperatureC: 20}}

	loop := NewLoop(LoopConfig{Topic: "t", Interval: time.Second, ReadAttempts: 1}, s, pub, clock.NewMock(), quietLogger())

	err := loop.Run(context.Background())
	if !errors.Is(err, errBroker) {
		t.Fatalf("Run() error = %v, want wrapped %v", err, errBroker)
	}
}

func TestNewLoop_Defaults(t *testing.T) {
	loop := NewLoop(LoopConfig{}, &stubSensor{}, &chanPublisher{}, nil, nil)
	if loop.cfg.Interval != time.Second {
		t.Errorf("Interval = %v, want 1s", loop.cfg.Interval)
	}
	if loop.clock == nil || loop.logger == nil {
		t.Error("clock and logger should default")
	}
}
