// Package gomidi feeds MIDI input into the live scheduling surface. Messages
// arrive on the MIDI driver's goroutine and are forwarded through a buffered
// channel, so the driver never waits for the scheduler.
package gomidi

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/vsariola/rendercore"
	"gitlab.com/gomidi/midi/v2"
)

type (
	// LiveScheduler is the part of the session the MIDI input drives.
	LiveScheduler interface {
		LiveNoteOn(note, velocity byte, mask rendercore.DestinationMask) error
		LiveNoteOff(note byte, mask rendercore.DestinationMask) error
		AllNotesOff() error
	}

	Input struct {
		scheduler LiveScheduler
		events    chan midi.Message
		log       logrus.FieldLogger
	}

	Option func(*Input)
)

const (
	eventQueueSize = 1024
	ccAllNotesOff  = 123
)

func WithLogger(l logrus.FieldLogger) Option { return func(i *Input) { i.log = l } }

func NewInput(s LiveScheduler, options ...Option) *Input {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	i := &Input{scheduler: s, events: make(chan midi.Message, eventQueueSize), log: discard}
	for _, o := range options {
		o(i)
	}
	return i
}

// HandleMessage queues msg. It is meant to be passed to midi.ListenTo and
// never blocks: if the queue is full, the message is dropped.
func (i *Input) HandleMessage(msg midi.Message, timestampms int32) {
	select {
	case i.events <- msg:
	default:
	}
}

// Run forwards queued messages to the scheduler until ctx is done.
func (i *Input) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-i.events:
			if err := i.dispatch(msg); err != nil {
				i.log.WithError(err).WithField("message", msg.String()).Debug("dropping MIDI message")
			}
		}
	}
}

// Destination maps a MIDI channel to a synthesis target. Channels above the
// number of targets wrap around.
func Destination(channel uint8) rendercore.DestinationMask {
	return rendercore.DestinationMask(1) << (channel % rendercore.MaxTargets)
}

func (i *Input) dispatch(msg midi.Message) error {
	var channel, key, velocity, controller, value uint8
	switch {
	case msg.GetNoteStart(&channel, &key, &velocity):
		return i.scheduler.LiveNoteOn(key, velocity, Destination(channel))
	case msg.GetNoteEnd(&channel, &key):
		return i.scheduler.LiveNoteOff(key, Destination(channel))
	case msg.GetControlChange(&channel, &controller, &value) && controller == ccAllNotesOff:
		return i.scheduler.AllNotesOff()
	}
	return nil
}
