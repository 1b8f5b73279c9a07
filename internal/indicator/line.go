package indicator

import (
	"fmt"
	"sync"

	gpiod "github.com/warthog618/go-gpiocdev"
)

// Line is an output on a GPIO character device line.
type Line struct {
	mu        sync.Mutex
	line      *gpiod.Line
	activeLow bool
	on        bool
}

// OpenLine requests offset on chip as an output. The current physical
// level is preserved so a restart does not flash the LED; persisted
// state is applied afterwards by the caller.
func OpenLine(chip string, offset int, activeLow bool, consumer string) (*Line, error) {
	probe, err := gpiod.RequestLine(chip, offset, gpiod.AsInput, gpiod.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("read %s line %d: %w", chip, offset, err)
	}
	current, err := probe.Value()
	probe.Close()
	if err != nil {
		return nil, fmt.Errorf("read %s line %d value: %w", chip, offset, err)
	}

	line, err := gpiod.RequestLine(chip, offset, gpiod.AsOutput(current), gpiod.WithConsumer(consumer))
	if err != nil {
		return nil, fmt.Errorf("request %s line %d: %w", chip, offset, err)
	}

	return &Line{
		line:      line,
		activeLow: activeLow,
		on:        level(current, activeLow),
	}, nil
}

// level converts a physical value to a logical on/off.
func level(value int, activeLow bool) bool {
	return (value == 1) != activeLow
}

// value converts a logical on/off to the physical value to drive.
func value(on, activeLow bool) int {
	if on != activeLow {
		return 1
	}
	return 0
}

// Set drives the line.
func (l *Line) Set(on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.line.SetValue(value(on, l.activeLow)); err != nil {
		return err
	}
	l.on = on
	return nil
}

// On reports the last level driven.
func (l *Line) On() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.on
}

// Close releases the line.
func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.line.Close()
}
