// Package indicator drives the station's two LED outputs: the board
// LED and the high-temperature LED.
package indicator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/drew-griffin/android-weather-station/internal/config"
)

// Output is a single binary output.
type Output interface {
	Set(on bool) error
	On() bool
	Close() error
}

// State is the pair of LED outputs at one instant.
type State struct {
	Board bool
	Temp  bool
}

// Bank owns the board and temperature outputs. It is safe for
// concurrent use: the MQTT library delivers commands on its own
// goroutine.
type Bank struct {
	mu    sync.Mutex
	board Output
	temp  Output
}

// NewBank pairs two outputs.
func NewBank(board, temp Output) *Bank {
	return &Bank{board: board, temp: temp}
}

// Open builds a bank from configuration.
func Open(cfg config.LEDsConfig, logger *slog.Logger) (*Bank, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("leds opened", "driver", "memory")
		return NewBank(&Memory{}, &Memory{}), nil
	case "gpio":
		board, err := OpenLine(cfg.Chip, cfg.Board.Line, cfg.Board.ActiveLow, "weatherstation-board")
		if err != nil {
			return nil, fmt.Errorf("board led: %w", err)
		}
		temp, err := OpenLine(cfg.Chip, cfg.Temp.Line, cfg.Temp.ActiveLow, "weatherstation-temp")
		if err != nil {
			board.Close()
			return nil, fmt.Errorf("temp led: %w", err)
		}
		logger.Info("leds opened",
			"driver", "gpio",
			"chip", cfg.Chip,
			"board_line", cfg.Board.Line,
			"temp_line", cfg.Temp.Line,
		)
		return NewBank(board, temp), nil
	default:
		return nil, fmt.Errorf("unknown led driver %q", cfg.Driver)
	}
}

// Apply sets both outputs. Both are attempted even if the first fails.
func (b *Bank) Apply(board, temp bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	if err := b.board.Set(board); err != nil {
		errs = append(errs, fmt.Errorf("board led: %w", err))
	}
	if err := b.temp.Set(temp); err != nil {
		errs = append(errs, fmt.Errorf("temp led: %w", err))
	}
	return errors.Join(errs...)
}

// State returns the current output levels.
func (b *Bank) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return State{Board: b.board.On(), Temp: b.temp.On()}
}

// Close releases both outputs.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.board.Close(), b.temp.Close())
}

// Memory is an output that only remembers its level. Used by the
// "memory" driver and in tests.
type Memory struct {
	mu  sync.Mutex
	on  bool
	err error
}

// Set records the level, or returns the injected failure.
func (m *Memory) Set(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.on = on
	return nil
}

// On reports the last level set.
func (m *Memory) On() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Fail makes subsequent Set calls return err (nil clears it).
func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}
