package rendercore

import (
	"errors"
	"fmt"
)

var (
	// ErrEngineNotReady is returned when an operation needs the engine but
	// none is attached to the handle.
	ErrEngineNotReady = errors.New("engine not ready")

	// ErrFatalGraph means the graph could not be brought back to a running
	// state even after the recovery attempt. Audio is stopped.
	ErrFatalGraph = errors.New("fatal graph error")

	// ErrMutationInFlight is reported when a request was dropped because the
	// same target already has a mutation in flight.
	ErrMutationInFlight = errors.New("mutation already in flight")

	// ErrTransientRender is a render callback that could not produce audio.
	// It is never surfaced to the control plane; the next callback retries.
	ErrTransientRender = errors.New("transient render failure")
)

// PluginLoadError is reported to the caller of a plugin load that failed.
// The node is never attached and the running graph is left undisturbed.
type PluginLoadError struct {
	Slot       string
	Descriptor PluginDescriptor
	Err        error
}

func (e *PluginLoadError) Error() string {
	return fmt.Sprintf("loading plugin %q into %s failed: %v", e.Descriptor.Name, e.Slot, e.Err)
}

func (e *PluginLoadError) Unwrap() error {
	return e.Err
}
