//go:build !cgo

package gomidi

import "errors"

// with no cgo, there is no MIDI driver
var errNoDriver = errors.New("MIDI input needs a cgo build")

type Connection struct{}

func Inputs() ([]string, error) { return nil, errNoDriver }

func Open(namePrefix string, input *Input) (*Connection, error) { return nil, errNoDriver }

func (c *Connection) String() string { return "" }
func (c *Connection) Close() error   { return nil }
