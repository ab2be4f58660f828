// Package schedule turns musical intent into note events timed on the
// engine's sample counter.
package schedule

import (
	"fmt"

	"github.com/vsariola/rendercore"
)

// Scheduler schedules note events on the engine's own queue. It is used from
// the control thread only.
type Scheduler struct {
	handle    *rendercore.Handle
	lookahead rendercore.SampleTime
}

// DefaultLookahead is added to the current sample time for live events, so
// they land after the quantum the render thread may be working on.
const DefaultLookahead rendercore.SampleTime = 64

func New(handle *rendercore.Handle, lookahead rendercore.SampleTime) *Scheduler {
	if lookahead == 0 {
		lookahead = DefaultLookahead
	}
	return &Scheduler{handle: handle, lookahead: lookahead}
}

func (s *Scheduler) Lookahead() rendercore.SampleTime { return s.lookahead }

// NoteOn schedules a note on at sample time at. A zero mask addresses the
// default polyphonic pool.
func (s *Scheduler) NoteOn(note, velocity byte, at rendercore.SampleTime, mask rendercore.DestinationMask) error {
	e, err := s.engine(note)
	if err != nil {
		return fmt.Errorf("note on: %w", err)
	}
	e.ScheduleNoteOn(note, velocity, at, mask.Normalize())
	return nil
}

// NoteOff schedules a note off at sample time at.
func (s *Scheduler) NoteOff(note byte, at rendercore.SampleTime, mask rendercore.DestinationMask) error {
	e, err := s.engine(note)
	if err != nil {
		return fmt.Errorf("note off: %w", err)
	}
	e.ScheduleNoteOff(note, at, mask.Normalize())
	return nil
}

// LiveNoteOn schedules a note on lookahead samples from now.
func (s *Scheduler) LiveNoteOn(note, velocity byte, mask rendercore.DestinationMask) error {
	e, err := s.engine(note)
	if err != nil {
		return fmt.Errorf("live note on: %w", err)
	}
	e.ScheduleNoteOn(note, velocity, e.CurrentSampleTime()+s.lookahead, mask.Normalize())
	return nil
}

// LiveNoteOff schedules a note off lookahead samples from now.
func (s *Scheduler) LiveNoteOff(note byte, mask rendercore.DestinationMask) error {
	e, err := s.engine(note)
	if err != nil {
		return fmt.Errorf("live note off: %w", err)
	}
	e.ScheduleNoteOff(note, e.CurrentSampleTime()+s.lookahead, mask.Normalize())
	return nil
}

// ClearScheduled drops every event that has not fired yet. Voices already
// sounding are not affected.
func (s *Scheduler) ClearScheduled() error {
	e, err := s.handle.Load()
	if err != nil {
		return fmt.Errorf("clear scheduled: %w", err)
	}
	e.ClearScheduled()
	return nil
}

// AllNotesOff schedules a note off for every note on every target at
// lookahead time.
func (s *Scheduler) AllNotesOff() error {
	e, err := s.handle.Load()
	if err != nil {
		return fmt.Errorf("all notes off: %w", err)
	}
	at := e.CurrentSampleTime() + s.lookahead
	for note := 0; note < rendercore.NumNotes; note++ {
		e.ScheduleNoteOff(byte(note), at, rendercore.AllTargets)
	}
	return nil
}

// CurrentSampleTime returns the engine's sample counter.
func (s *Scheduler) CurrentSampleTime() (rendercore.SampleTime, error) {
	e, err := s.handle.Load()
	if err != nil {
		return 0, err
	}
	return e.CurrentSampleTime(), nil
}

func (s *Scheduler) engine(note byte) (rendercore.Engine, error) {
	if int(note) >= rendercore.NumNotes {
		return nil, fmt.Errorf("note %d out of range", note)
	}
	return s.handle.Load()
}
