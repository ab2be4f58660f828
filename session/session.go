// Package session is the control-plane surface of the orchestration layer.
// A Session owns the engine handle, the timeline, the render coordinator,
// the graph mutator, the scheduler and the health monitor, and wires them
// together from a config.Config.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/config"
	"github.com/vsariola/rendercore/graph"
	"github.com/vsariola/rendercore/health"
	"github.com/vsariola/rendercore/metrics"
	"github.com/vsariola/rendercore/plugins"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/schedule"
	"github.com/vsariola/rendercore/timeline"
	"golang.org/x/sync/errgroup"
)

type (
	// RuntimeFunc creates the host runtime that pulls the coordinator.
	RuntimeFunc func(c *render.Coordinator) (graph.Runtime, error)

	Session struct {
		config      config.Config
		log         logrus.FieldLogger
		engine      rendercore.Engine
		handle      *rendercore.Handle
		resolver    *timeline.Resolver
		coordinator *render.Coordinator
		runtime     graph.Runtime
		mutator     *graph.Mutator
		scheduler   *schedule.Scheduler
		monitor     *health.Monitor
		metrics     *metrics.Metrics

		running atomic.Bool
		closed  atomic.Bool
	}

	// State is what the control plane knows about the graph.
	State struct {
		Topology rendercore.Topology
		Running  bool
		Err      error
		Rebuilds int64
		Graph    *graph.Snapshot
	}

	Option func(*options)

	options struct {
		log        logrus.FieldLogger
		registerer prometheus.Registerer
		loader     graph.Loader
		clock      health.Clock
	}

	// dropCounter is implemented by engines that count the events they had
	// to drop.
	dropCounter interface {
		Dropped() uint64
	}
)

func WithLogger(l logrus.FieldLogger) Option { return func(o *options) { o.log = l } }

// WithRegisterer exports the session's metrics to r.
func WithRegisterer(r prometheus.Registerer) Option { return func(o *options) { o.registerer = r } }

// WithLoader replaces the built-in plugin loader.
func WithLoader(l graph.Loader) Option { return func(o *options) { o.loader = l } }
func WithClock(c health.Clock) Option  { return func(o *options) { o.clock = c } }

// New initializes engine and builds the initial graph on top of the runtime
// returned by newRuntime. The runtime is not started.
func New(cfg config.Config, engine rendercore.Engine, newRuntime RuntimeFunc, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	o := options{log: discard}
	for _, opt := range opts {
		opt(&o)
	}
	if o.loader == nil {
		o.loader = plugins.NewLoader(cfg.SampleRate, cfg.PluginLatency)
	}
	if err := engine.Initialize(cfg.SampleRate, cfg.BlockSize); err != nil {
		return nil, fmt.Errorf("initializing engine: %w", err)
	}
	s := &Session{
		config:   cfg,
		log:      o.log,
		engine:   engine,
		handle:   rendercore.NewHandle(engine),
		resolver: timeline.NewResolver(),
	}
	s.coordinator = render.NewCoordinator(s.handle, s.resolver, cfg.StartupMuteFrames(), cfg.BlockSize)
	s.scheduler = schedule.New(s.handle, rendercore.SampleTime(cfg.LookaheadSamples))
	runtime, err := newRuntime(s.coordinator)
	if err != nil {
		return nil, fmt.Errorf("creating runtime: %w", err)
	}
	s.runtime = runtime

	healthOpts := []health.Option{health.WithDelay(cfg.HealthCheckDelay), health.WithLogger(o.log.WithField("component", "health"))}
	mutatorOpts := []graph.Option{
		graph.WithLogger(o.log.WithField("component", "graph")),
		graph.WithChannels(cfg.Channels),
		graph.WithTopology(cfg.TopologyValue()),
		graph.OnSteady(s.steady),
	}
	if o.clock != nil {
		healthOpts = append(healthOpts, health.WithClock(o.clock))
	}
	if o.registerer != nil {
		src := metrics.Sources{
			DegradedResolves:  s.resolver.DegradedResolves,
			TransientFailures: s.coordinator.TransientFailures,
			Pulls:             s.coordinator.Pulls,
		}
		if d, ok := engine.(dropCounter); ok {
			src.DroppedEvents = d.Dropped
		}
		if s.metrics, err = metrics.New(o.registerer, src); err != nil {
			return nil, err
		}
		healthOpts = append(healthOpts, health.WithRecorder(s.metrics))
		mutatorOpts = append(mutatorOpts, graph.WithRecorder(s.metrics))
	}
	s.monitor = health.New(s.handle, s.fallback, healthOpts...)
	s.mutator = graph.NewMutator(s.coordinator, s.resolver, runtime, o.loader, mutatorOpts...)
	return s, nil
}

// steady runs on the mutator's worker every time the graph settles. A
// running multi-channel graph gets a deferred check that the host really
// pulls it.
func (s *Session) steady(st graph.Steady) {
	s.running.Store(st.Running)
	if st.Err != nil {
		s.log.WithError(st.Err).WithField("topology", st.Topology.String()).Error("graph mutation failed")
	}
	if st.Topology == rendercore.MultiChannel && st.Running {
		s.monitor.Arm()
		return
	}
	s.monitor.Cancel()
}

func (s *Session) fallback() error {
	if !s.mutator.EnableTopology(rendercore.Simple) {
		return fmt.Errorf("switching to %s: %w", rendercore.Simple, rendercore.ErrMutationInFlight)
	}
	return nil
}

// LoadConfigured loads the plugins listed in the configuration, all at the
// same time, and waits until the graph is steady again.
func (s *Session) LoadConfigured(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range s.config.Plugins {
		pc := pc
		target, err := graph.ParseTarget(pc.Slot)
		if err != nil {
			return err
		}
		g.Go(func() error {
			result, ok := s.mutator.LoadPlugin(target, pc.Descriptor())
			if !ok {
				return fmt.Errorf("loading %s: %w", target, rendercore.ErrMutationInFlight)
			}
			select {
			case r := <-result:
				if r.Err != nil || !pc.Bypass {
					return r.Err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
			if !s.mutator.SetBypass(target, true) {
				return fmt.Errorf("bypassing %s: %w", target, rendercore.ErrMutationInFlight)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return s.WaitIdle(ctx)
}

// WaitIdle blocks until no mutation is in flight.
func (s *Session) WaitIdle(ctx context.Context) error {
	select {
	case <-s.mutator.Idle():
		return s.mutator.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start starts pulling audio. Returns an error wrapping
// rendercore.ErrFatalGraph if the graph is beyond recovery.
func (s *Session) Start() error {
	return s.mutator.Start()
}

func (s *Session) Stop() error {
	return s.mutator.Stop()
}

// EnableTopology requests a switch to topology t. It returns false if the
// request was dropped.
func (s *Session) EnableTopology(t rendercore.Topology) bool {
	return s.mutator.EnableTopology(t)
}

// HandleConfigurationChange is called when the host reports that its audio
// configuration changed.
func (s *Session) HandleConfigurationChange() bool {
	return s.mutator.HandleConfigurationChange()
}

func (s *Session) LoadPlugin(slot graph.Target, desc rendercore.PluginDescriptor) (<-chan graph.LoadResult, bool) {
	return s.mutator.LoadPlugin(slot, desc)
}

func (s *Session) UnloadPlugin(slot graph.Target) bool {
	return s.mutator.UnloadPlugin(slot)
}

func (s *Session) SetBypass(slot graph.Target, bypass bool) bool {
	return s.mutator.SetBypass(slot, bypass)
}

func (s *Session) NoteOn(note, velocity byte, at rendercore.SampleTime, mask rendercore.DestinationMask) error {
	return s.scheduler.NoteOn(note, velocity, at, mask)
}

func (s *Session) NoteOff(note byte, at rendercore.SampleTime, mask rendercore.DestinationMask) error {
	return s.scheduler.NoteOff(note, at, mask)
}

func (s *Session) LiveNoteOn(note, velocity byte, mask rendercore.DestinationMask) error {
	return s.scheduler.LiveNoteOn(note, velocity, mask)
}

func (s *Session) LiveNoteOff(note byte, mask rendercore.DestinationMask) error {
	return s.scheduler.LiveNoteOff(note, mask)
}

func (s *Session) ClearScheduled() error {
	return s.scheduler.ClearScheduled()
}

func (s *Session) AllNotesOff() error {
	return s.scheduler.AllNotesOff()
}

func (s *Session) CurrentSampleTime() (rendercore.SampleTime, error) {
	return s.scheduler.CurrentSampleTime()
}

// SetParameter clamps value to the range of p and hands it to the engine.
// target is ignored for global parameters.
func (s *Session) SetParameter(p rendercore.Param, target int, value float32) error {
	e, err := s.handle.Load()
	if err != nil {
		return fmt.Errorf("setting %s: %w", p, err)
	}
	if err := e.SetParameter(p, target, p.Clamp(value)); err != nil {
		return fmt.Errorf("setting %s: %w", p, err)
	}
	return nil
}

func (s *Session) Parameter(p rendercore.Param, target int) (float32, error) {
	e, err := s.handle.Load()
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", p, err)
	}
	v, err := e.Parameter(p, target)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", p, err)
	}
	return v, nil
}

// Levels copies the current channel levels into dst; see
// render.Coordinator.Levels.
func (s *Session) Levels(dst []render.Level) int {
	return s.coordinator.Levels(dst)
}

// PollLevels calls fn with the channel levels every interval until ctx is
// done. The slice passed to fn is reused between calls.
func (s *Session) PollLevels(ctx context.Context, interval time.Duration, fn func([]render.Level)) error {
	levels := make([]render.Level, render.NumLevels)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(levels[:s.coordinator.Levels(levels)])
		}
	}
}

func (s *Session) State() State {
	return State{
		Topology: s.mutator.ActiveTopology(),
		Running:  s.running.Load(),
		Err:      s.mutator.Err(),
		Rebuilds: s.mutator.Rebuilds(),
		Graph:    s.mutator.Snapshot(),
	}
}

// Coordinator returns the render coordinator, for runtimes that are created
// outside the session.
func (s *Session) Coordinator() *render.Coordinator { return s.coordinator }

// Runtime returns the runtime the session was created with.
func (s *Session) Runtime() graph.Runtime { return s.runtime }

// Close stops the audio, waits for pending mutations and closes the engine.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	var stopErr error
	if s.mutator.Err() == nil {
		stopErr = s.mutator.Stop()
	}
	s.mutator.Close()
	s.monitor.Cancel()
	s.handle.Set(nil)
	return errors.Join(stopErr, s.engine.Close())
}
