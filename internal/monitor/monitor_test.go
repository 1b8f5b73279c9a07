package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type recorder struct {
	topics   []string
	payloads []string
	err      error
}

func (r *recorder) Publish(_ context.Context, topic string, payload []byte) error {
	if r.err != nil {
		return r.err
	}
	r.topics = append(r.topics, topic)
	r.payloads = append(r.payloads, string(payload))
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(temp string) []byte {
	return []byte(`{"Temperature":"` + temp + `","Gas":"0.00","Humidity":"40.00","Pressure":"1010.00","Altitude":"27.00"}`)
}

func TestMonitor_RenderText(t *testing.T) {
	var out bytes.Buffer
	m := New(Config{HighTemp: 70}, nil, &out, quietLogger())

	if err := m.HandleTelemetry(context.Background(), "drew/weather_station", record("68.00")); err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}
	if err := m.HandleTelemetry(context.Background(), "drew/weather_station", record("71.20")); err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out.String())
	}
	if !strings.Contains(lines[0], "temp=68.00") || strings.Contains(lines[0], "HIGH") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.HasSuffix(lines[1], "HIGH") {
		t.Errorf("line 1 = %q, want HIGH marker", lines[1])
	}
}

func TestMonitor_RenderJSON(t *testing.T) {
	var out bytes.Buffer
	m := New(Config{HighTemp: 70, Format: "json"}, nil, &out, quietLogger())

	if err := m.HandleTelemetry(context.Background(), "t", record("75.00")); err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got["Temperature"] != "75.00" || got["high_temp"] != true {
		t.Errorf("output = %v", got)
	}
}

func TestMonitor_AutoTempLED(t *testing.T) {
	pub := &recorder{}
	m := New(Config{ControlTopic: "drew/led_status_update", HighTemp: 70, AutoTempLED: true}, pub, io.Discard, quietLogger())
	ctx := context.Background()

	// The user turned the board LED on from elsewhere.
	if err := m.HandleControl(ctx, "drew/led_status_update", []byte(`{"BOARD_LED":"ON","TEMP_LED":"OFF"}`)); err != nil {
		t.Fatalf("HandleControl() error = %v", err)
	}

	for _, temp := range []string{"65.00", "72.00", "73.00", "69.00"} {
		if err := m.HandleTelemetry(ctx, "t", record(temp)); err != nil {
			t.Fatalf("HandleTelemetry(%s) error = %v", temp, err)
		}
	}

	want := []string{
		`{"BOARD_LED":"ON","TEMP_LED":"ON"}`,
		`{"BOARD_LED":"ON","TEMP_LED":"OFF"}`,
	}
	if len(pub.payloads) != len(want) {
		t.Fatalf("published %v, want %v", pub.payloads, want)
	}
	for i := range want {
		if pub.payloads[i] != want[i] {
			t.Errorf("payload %d = %s, want %s", i, pub.payloads[i], want[i])
		}
		if pub.topics[i] != "drew/led_status_update" {
			t.Errorf("topic %d = %s", i, pub.topics[i])
		}
	}
}

func TestMonitor_AutoTempLEDFirstRecordPublishes(t *testing.T) {
	pub := &recorder{}
	m := New(Config{ControlTopic: "c", HighTemp: 70, AutoTempLED: true}, pub, io.Discard, quietLogger())

	if err := m.HandleTelemetry(context.Background(), "t", record("60.00")); err != nil {
		t.Fatalf("HandleTelemetry() error = %v", err)
	}
	if len(pub.payloads) != 1 || pub.payloads[0] != `{"BOARD_LED":"OFF","TEMP_LED":"OFF"}` {
		t.Errorf("published %v", pub.payloads)
	}
}

func TestMonitor_ThresholdIsExclusive(t *testing.T) {
	var out bytes.Buffer
	m := New(Config{HighTemp: 70}, nil, &out, quietLogger())
	m.HandleTelemetry(context.Background(), "t", record("70.00"))
	if strings.Contains(out.String(), "HIGH") {
		t.Errorf("70.00 should not count as high: %s", out.String())
	}
}

func TestMonitor_Rejects(t *testing.T) {
	m := New(Config{}, nil, io.Discard, quietLogger())
	if err := m.HandleTelemetry(context.Background(), "t", []byte(`{`)); err == nil {
		t.Error("truncated record should be rejected")
	}
	if err := m.HandleTelemetry(context.Background(), "t", record("hot")); err == nil {
		t.Error("non-numeric temperature should be rejected")
	}
	if err := m.HandleControl(context.Background(), "c", []byte(`{"BOARD_LED":"ON"}`)); err == nil {
		t.Error("incomplete command should be rejected")
	}
}

func TestMonitor_PublishFailure(t *testing.T) {
	errDown := errors.New("broker down")
	m := New(Config{HighTemp: 70, AutoTempLED: true}, &recorder{err: errDown}, io.Discard, quietLogger())
	if err := m.HandleTelemetry(context.Background(), "t", record("80.00")); !errors.Is(err, errDown) {
		t.Errorf("HandleTelemetry() error = %v, want %v", err, errDown)
	}
}
