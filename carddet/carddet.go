// Package carddet watches the card detect switch of an SD card slot
// and reports debounced insertion and removal events.
package carddet

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Event reports a change of the card slot state.
type Event struct {
	Present bool
}

// Slot describes the detect wiring of one card slot. Most sockets pull
// the detect line low when a card is present.
type Slot struct {
	Detect gpio.PinIn
	// WriteProtect is optional.
	WriteProtect gpio.PinIn
	// ActiveHigh inverts the detect polarity.
	ActiveHigh bool
}

// Open configures the slot pins and starts watching the detect line,
// delivering debounced events on ch.
func Open(slot Slot, ch chan<- Event) error {
	if err := slot.Detect.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return fmt.Errorf("carddet: %w", err)
	}
	if slot.WriteProtect != nil {
		if err := slot.WriteProtect.In(gpio.PullUp, gpio.NoEdge); err != nil {
			return fmt.Errorf("carddet: %w", err)
		}
	}
	go func() {
		present := slot.present()
		newPresent := present
		// Card detect switches bounce hard on insertion.
		const debounceTimeout = 100 * time.Millisecond
		for {
			// Wait forever for an edge, except if we're waiting
			// for the debounce timeout.
			timeout := debounceTimeout
			if newPresent == present {
				timeout = -1
			}
			if slot.Detect.WaitForEdge(timeout) {
				newPresent = slot.present()
			} else {
				// Debounce timeout; ok to send event.
				if newPresent != present {
					present = newPresent
					ch <- Event{Present: present}
				}
			}
		}
	}()
	return nil
}

func (s Slot) present() bool {
	level := s.Detect.Read()
	if s.ActiveHigh {
		return level == gpio.High
	}
	return level == gpio.Low
}

// Present reads the current debounce-free slot state.
func (s Slot) Present() bool {
	return s.present()
}

// ReadOnly reads the write protect switch; a slot without one always
// reports writable.
func (s Slot) ReadOnly() bool {
	if s.WriteProtect == nil {
		return false
	}
	return s.WriteProtect.Read() == gpio.High
}
