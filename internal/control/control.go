// Package control handles LED commands arriving on the control topic.
//
// A command is a JSON object with two string fields, BOARD_LED and
// TEMP_LED. The value "ON" turns the matching LED on; any other string
// turns it off. Only presence of the fields is validated.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// Field names on the wire.
const (
	FieldBoard = "BOARD_LED"
	FieldTemp  = "TEMP_LED"
)

// Wire values for the two states. Anything other than On is off.
const (
	On  = "ON"
	Off = "OFF"
)

// State store namespace and keys for persisted LED state.
const (
	StateNamespace = "leds"
	StateKeyBoard  = "board"
	StateKeyTemp   = "temp"
)

// ErrMissingField is returned by [ParseCommand] when a required field is
// absent. The wrapped message names the field.
var ErrMissingField = errors.New("missing field")

// Command is one decoded control message.
type Command struct {
	BoardLED string `json:"BOARD_LED"`
	TempLED  string `json:"TEMP_LED"`
}

// NewCommand builds the wire form of a desired LED state.
func NewCommand(board, temp bool) Command {
	return Command{BoardLED: wireValue(board), TempLED: wireValue(temp)}
}

func wireValue(on bool) string {
	if on {
		return On
	}
	return Off
}

// ParseCommand decodes payload. Both fields must be present; their
// values are not checked beyond that.
func ParseCommand(payload []byte) (Command, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}

	var cmd Command
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{FieldBoard, &cmd.BoardLED},
		{FieldTemp, &cmd.TempLED},
	} {
		v, ok := raw[f.name]
		if !ok {
			return Command{}, fmt.Errorf("%w: %s", ErrMissingField, f.name)
		}
		if err := json.Unmarshal(v, f.dst); err != nil {
			return Command{}, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	return cmd, nil
}

// Board reports whether the board LED should be on.
func (c Command) Board() bool { return c.BoardLED == On }

// Temp reports whether the temperature LED should be on.
func (c Command) Temp() bool { return c.TempLED == On }

// JSON encodes the command for publishing.
func (c Command) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// Applier sets the two LEDs.
type Applier interface {
	Apply(board, temp bool) error
}

// StateSaver persists LED state across restarts.
type StateSaver interface {
	SetBool(namespace, key string, value bool) error
}

// Handler applies commands to the LEDs and optionally persists them.
type Handler struct {
	leds   Applier
	state  StateSaver
	logger *slog.Logger
}

// NewHandler creates a handler. state may be nil to skip persistence.
func NewHandler(leds Applier, state StateSaver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{leds: leds, state: state, logger: logger}
}

// Handle parses payload and applies it. A rejected payload is logged
// and returned as an error; the LEDs are left untouched.
func (h *Handler) Handle(_ context.Context, topic string, payload []byte) error {
	cmd, err := ParseCommand(payload)
	if err != nil {
		h.logger.Warn("control message rejected",
			"topic", topic,
			"size", len(payload),
			"error", err,
		)
		return err
	}

	board, temp := cmd.Board(), cmd.Temp()
	if err := h.leds.Apply(board, temp); err != nil {
		h.logger.Error("failed to set leds", "board", board, "temp", temp, "error", err)
		return fmt.Errorf("apply command: %w", err)
	}

	h.logger.Info("leds updated", "board", board, "temp", temp)

	if h.state != nil {
		if err := errors.Join(
			h.state.SetBool(StateNamespace, StateKeyBoard, board),
			h.state.SetBool(StateNamespace, StateKeyTemp, temp),
		); err != nil {
			// The LEDs are already set; a lost write only affects the
			// next restart.
			h.logger.Warn("failed to persist led state", "error", err)
		}
	}
	return nil
}
