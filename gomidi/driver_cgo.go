//go:build cgo

package gomidi

import (
	"errors"
	"fmt"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// Connection is an open MIDI input device.
type Connection struct {
	driver *rtmididrv.Driver
	in     drivers.In
	stop   func()
}

// Inputs lists the names of the MIDI input devices.
func Inputs() ([]string, error) {
	driver, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("opening MIDI driver: %w", err)
	}
	defer driver.Close()
	ins, err := driver.Ins()
	if err != nil {
		return nil, fmt.Errorf("listing MIDI inputs: %w", err)
	}
	ret := make([]string, 0, len(ins))
	for _, in := range ins {
		ret = append(ret, in.String())
	}
	return ret, nil
}

// Open connects the first input device whose name starts with namePrefix to
// input. An empty prefix takes the first device.
func Open(namePrefix string, input *Input) (*Connection, error) {
	driver, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("opening MIDI driver: %w", err)
	}
	ins, err := driver.Ins()
	if err != nil {
		driver.Close()
		return nil, fmt.Errorf("listing MIDI inputs: %w", err)
	}
	for _, in := range ins {
		if !strings.HasPrefix(in.String(), namePrefix) {
			continue
		}
		if err := in.Open(); err != nil {
			driver.Close()
			return nil, fmt.Errorf("opening MIDI input %s: %w", in, err)
		}
		stop, err := midi.ListenTo(in, input.HandleMessage)
		if err != nil {
			in.Close()
			driver.Close()
			return nil, fmt.Errorf("listening to MIDI input %s: %w", in, err)
		}
		return &Connection{driver: driver, in: in, stop: stop}, nil
	}
	driver.Close()
	return nil, fmt.Errorf("no MIDI input starting with %q", namePrefix)
}

func (c *Connection) String() string { return c.in.String() }

func (c *Connection) Close() error {
	c.stop()
	return errors.Join(c.in.Close(), c.driver.Close())
}
