package graph

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/vsariola/rendercore"
	"github.com/vsariola/rendercore/render"
	"github.com/vsariola/rendercore/timeline"
)

type (
	// Runtime is the host side of the graph: whatever pulls the coordinator.
	// All Runtime methods are only ever called from the mutator's worker
	// goroutine.
	Runtime interface {
		Running() bool
		Pause() error
		Start() error
		Stop()
		Reset()
		Prepare() error
		// Configure tells the runtime which channels to pull from now on.
		Configure(channels []rendercore.ChannelID) error
	}

	// Loader loads plugins. Load may take long and may run out of process;
	// it is always called on a goroutine of its own, never on the worker.
	Loader interface {
		Load(ctx context.Context, desc rendercore.PluginDescriptor) (rendercore.Processor, error)
	}

	// Recorder receives counts about mutations, e.g. for metrics.
	Recorder interface {
		MutationFinished(kind MutationKind, err error)
		MutationCoalesced(kind MutationKind)
		Recovery(ok bool)
		ConfigChangeIgnored()
		PluginLoadFailed()
	}

	// Mutator performs topology switches and plugin changes. Requests are
	// made from the control thread and return immediately; the edits run on
	// a dedicated worker goroutine and completion is signaled through the
	// OnSteady callback, the channel returned by LoadPlugin and Idle.
	Mutator struct {
		coordinator *render.Coordinator
		resolver    *timeline.Resolver
		runtime     Runtime
		loader      Loader
		log         logrus.FieldLogger
		recorder    Recorder
		observe     func(*Graph)
		onSteady    func(Steady)

		mu       sync.Mutex
		inFlight map[Target]MutationKind
		idle     chan struct{}
		inserts  [rendercore.MaxTargets]slot
		sends    [rendercore.NumSendBuses]slot
		topology rendercore.Topology
		fatal    bool
		closed   bool
		ctx      context.Context
		cancel   context.CancelFunc

		work     chan func()
		ops      sync.WaitGroup
		finished chan struct{}

		// owned by the worker goroutine
		graph   *Graph
		current view

		snapshot atomic.Pointer[Snapshot]
		rebuilds atomic.Int64
	}

	MutationKind int

	// mutation is the immutable snapshot of a request, captured on the
	// control thread and handed to the worker.
	mutation struct {
		id         string
		kind       MutationKind
		target     Target
		topology   rendercore.Topology
		plugin     plugin
		descriptor rendercore.PluginDescriptor
	}

	// Steady is published after every mutation and every start or stop.
	Steady struct {
		Topology rendercore.Topology
		Running  bool
		Err      error
	}

	// LoadResult is the outcome of LoadPlugin. Err is a
	// *rendercore.PluginLoadError if loading failed, or wraps
	// rendercore.ErrFatalGraph if the graph could not be restarted.
	LoadResult struct {
		Target Target
		Err    error
	}

	// Snapshot is a copy of the graph in its last steady state.
	Snapshot struct {
		Topology rendercore.Topology
		Running  bool
		Nodes    []Node
		Edges    []Edge
		Slots    []SlotInfo
	}

	// SlotInfo describes one slot in a Snapshot.
	SlotInfo struct {
		Target Target
		State  SlotState
		Plugin string
	}

	Option func(*Mutator)

	nopRecorder struct{}
)

const (
	SwitchTopology MutationKind = iota
	Reconfigure
	LoadPlugin
	UnloadPlugin
	SetBypass
)

const workQueueSize = 64

func (k MutationKind) String() string {
	switch k {
	case SwitchTopology:
		return "topology"
	case Reconfigure:
		return "reconfigure"
	case LoadPlugin:
		return "load"
	case UnloadPlugin:
		return "unload"
	case SetBypass:
		return "bypass"
	}
	return fmt.Sprintf("mutation(%d)", int(k))
}

func WithLogger(l logrus.FieldLogger) Option { return func(m *Mutator) { m.log = l } }
func WithRecorder(r Recorder) Option      { return func(m *Mutator) { m.recorder = r } }

// WithObserver installs a function called on the worker goroutine after
// every primitive edit of the graph.
func WithObserver(f func(*Graph)) Option { return func(m *Mutator) { m.observe = f } }

// OnSteady installs a function called on the worker goroutine every time
// the graph reaches a steady state.
func OnSteady(f func(Steady)) Option { return func(m *Mutator) { m.onSteady = f } }

// WithChannels sets the number of pulled channels in MultiChannel.
func WithChannels(n int) Option {
	return func(m *Mutator) { m.current.channels = min(max(n, 1), rendercore.MaxTargets) }
}

// WithTopology sets the initial topology.
func WithTopology(t rendercore.Topology) Option {
	return func(m *Mutator) { m.current.topology = t }
}

// NewMutator creates a mutator and starts its worker. The initial graph is
// built on the worker before any request is served.
func NewMutator(coordinator *render.Coordinator, resolver *timeline.Resolver, runtime Runtime, loader Loader, options ...Option) *Mutator {
	discard := logrus.New()
	discard.SetOutput(io.Discard)
	m := &Mutator{
		coordinator: coordinator,
		resolver:    resolver,
		runtime:     runtime,
		loader:      loader,
		log:         discard,
		recorder:    nopRecorder{},
		observe:     func(*Graph) {},
		onSteady:    func(Steady) {},
		inFlight:    map[Target]MutationKind{},
		idle:        make(chan struct{}),
		work:        make(chan func(), workQueueSize),
		finished:    make(chan struct{}),
		graph:       NewGraph(),
		current:     view{channels: rendercore.MaxTargets},
	}
	close(m.idle)
	for _, o := range options {
		o(m)
	}
	m.topology = m.current.topology
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.run()
	m.markInFlight(TopologyTarget, SwitchTopology)
	m.work <- func() {
		err := m.build(m.current, true)
		m.finish(mutation{kind: SwitchTopology, target: TopologyTarget, topology: m.current.topology}, err)
	}
	return m
}

func (m *Mutator) run() {
	defer close(m.finished)
	for f := range m.work {
		f()
	}
}

// Close stops accepting requests, cancels pending plugin loads and waits
// for the queued mutations to finish.
func (m *Mutator) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.cancel()
	m.mu.Unlock()
	<-m.Idle()
	m.ops.Wait()
	close(m.work)
	<-m.finished
	for _, s := range append(m.inserts[:], m.sends[:]...) {
		if s.processor != nil {
			s.processor.Close()
		}
	}
}

// EnableTopology switches the graph to topology t. It returns false if the
// request was dropped: a topology mutation is already in flight, t is
// already active, or the mutator is closed or in the fatal state.
func (m *Mutator) EnableTopology(t rendercore.Topology) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t != rendercore.Simple && t != rendercore.MultiChannel {
		return false
	}
	if !m.acceptLocked(TopologyTarget, SwitchTopology) {
		return false
	}
	if t == m.topology {
		return false
	}
	m.markInFlightLocked(TopologyTarget, SwitchTopology)
	m.enqueueLocked(mutation{id: uuid.NewString(), kind: SwitchTopology, target: TopologyTarget, topology: t})
	return true
}

// HandleConfigurationChange reacts to the host reporting that its audio
// configuration changed by tearing down and rebuilding the current
// topology. While any mutation is in flight the graph is not connectable,
// so the notification is ignored and false returned.
func (m *Mutator) HandleConfigurationChange() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.fatal {
		return false
	}
	if len(m.inFlight) > 0 {
		m.recorder.ConfigChangeIgnored()
		m.log.WithField("in_flight", len(m.inFlight)).Debug("ignoring configuration change during mutation")
		return false
	}
	m.markInFlightLocked(TopologyTarget, Reconfigure)
	m.enqueueLocked(mutation{id: uuid.NewString(), kind: Reconfigure, target: TopologyTarget, topology: m.topology})
	return true
}

// LoadPlugin loads desc asynchronously and attaches it to slot t once
// loaded. The runtime keeps running while the plugin loads; it is only
// paused for the attach. The returned channel receives exactly one result.
// ok is false if the request was dropped.
func (m *Mutator) LoadPlugin(t Target, desc rendercore.PluginDescriptor) (result <-chan LoadResult, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Kind == KindTopology || !m.acceptLocked(t, LoadPlugin) {
		return nil, false
	}
	s := m.slotLocked(t)
	prev := s.state
	s.state = Loading
	m.markInFlightLocked(t, LoadPlugin)
	ch := make(chan LoadResult, 1)
	ctx := m.ctx
	go func() {
		p, err := m.loader.Load(ctx, desc)
		if err == nil && p == nil {
			err = fmt.Errorf("loader returned no processor")
		}
		if err != nil {
			m.loadFailed(t, prev, desc, err, ch)
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			p.Close()
			m.slotLocked(t).state = prev
			m.clearInFlightLocked(t)
			ch <- LoadResult{Target: t, Err: &rendercore.PluginLoadError{Slot: t.String(), Descriptor: desc, Err: context.Canceled}}
			return
		}
		m.enqueueWithResultLocked(mutation{
			id:         uuid.NewString(),
			kind:       LoadPlugin,
			target:     t,
			plugin:     plugin{processor: p, nodeID: fmt.Sprintf("%s/%s/%s", t.kindName(), desc.Name, uuid.NewString())},
			descriptor: desc,
		}, ch)
	}()
	return ch, true
}

func (m *Mutator) loadFailed(t Target, prev SlotState, desc rendercore.PluginDescriptor, err error, ch chan<- LoadResult) {
	m.mu.Lock()
	m.slotLocked(t).state = prev
	m.clearInFlightLocked(t)
	m.mu.Unlock()
	m.recorder.PluginLoadFailed()
	m.log.WithFields(logrus.Fields{"slot": t.String(), "plugin": desc.Name}).WithError(err).Warn("plugin load failed")
	ch <- LoadResult{Target: t, Err: &rendercore.PluginLoadError{Slot: t.String(), Descriptor: desc, Err: err}}
}

// UnloadPlugin detaches and closes the plugin of slot t. It returns false
// if the slot is empty or busy.
func (m *Mutator) UnloadPlugin(t Target) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Kind == KindTopology || !m.acceptLocked(t, UnloadPlugin) {
		return false
	}
	if s := m.slotLocked(t); s.state != Loaded && s.state != Bypassed {
		return false
	}
	m.markInFlightLocked(t, UnloadPlugin)
	m.enqueueLocked(mutation{id: uuid.NewString(), kind: UnloadPlugin, target: t})
	return true
}

// SetBypass bypasses or re-enables the plugin of slot t. A bypassed plugin
// stays loaded but is taken out of the graph. It returns false if nothing
// would change or the slot is busy.
func (m *Mutator) SetBypass(t Target, bypass bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Kind == KindTopology || !m.acceptLocked(t, SetBypass) {
		return false
	}
	s := m.slotLocked(t)
	if (bypass && s.state != Loaded) || (!bypass && s.state != Bypassed) {
		return false
	}
	m.markInFlightLocked(t, SetBypass)
	m.enqueueLocked(mutation{id: uuid.NewString(), kind: SetBypass, target: t, plugin: plugin{bypassed: bypass}})
	return true
}

// Start prepares and starts the runtime on the worker and waits for the
// outcome.
func (m *Mutator) Start() error {
	return m.runtimeOp("start", func() error {
		if m.runtime.Running() {
			return nil
		}
		m.coordinator.Restart()
		if err := m.runtime.Prepare(); err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		return m.runtime.Start()
	})
}

// Stop stops the runtime on the worker and waits for it.
func (m *Mutator) Stop() error {
	return m.runtimeOp("stop", func() error {
		m.runtime.Stop()
		return nil
	})
}

func (m *Mutator) runtimeOp(name string, op func() error) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("%s: mutator closed", name)
	}
	if m.fatal {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", name, rendercore.ErrFatalGraph)
	}
	m.ops.Add(1)
	m.mu.Unlock()
	errc := make(chan error, 1)
	m.work <- func() {
		err := op()
		running := m.runtime.Running()
		m.publishSnapshot(running)
		m.onSteady(Steady{Topology: m.current.topology, Running: running, Err: err})
		errc <- err
	}
	m.ops.Done()
	return <-errc
}

// Idle returns a channel that is closed once no mutation is in flight.
func (m *Mutator) Idle() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idle
}

// InFlight reports whether a mutation of target t is in flight.
func (m *Mutator) InFlight(t Target) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inFlight[t]
	return ok
}

// SlotState returns the control-side state of slot t.
func (m *Mutator) SlotState(t Target) SlotState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Kind == KindTopology || !t.valid() {
		return Empty
	}
	return m.slotLocked(t).state
}

// ActiveTopology returns the topology of the last steady state.
func (m *Mutator) ActiveTopology() rendercore.Topology {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.topology
}

// Err returns rendercore.ErrFatalGraph once the graph failed to recover.
func (m *Mutator) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatal {
		return rendercore.ErrFatalGraph
	}
	return nil
}

// Rebuilds returns the number of mutations that edited the graph.
func (m *Mutator) Rebuilds() int64 {
	return m.rebuilds.Load()
}

// Snapshot returns a copy of the last steady graph.
func (m *Mutator) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

func (m *Mutator) acceptLocked(t Target, kind MutationKind) bool {
	if m.closed || m.fatal || !t.valid() {
		return false
	}
	if _, busy := m.inFlight[t]; busy {
		m.recorder.MutationCoalesced(kind)
		m.log.WithFields(logrus.Fields{"target": t.String(), "mutation": kind.String()}).Debug("dropping request, mutation in flight")
		return false
	}
	return true
}

func (m *Mutator) markInFlight(t Target, kind MutationKind) {
	m.mu.Lock()
	m.markInFlightLocked(t, kind)
	m.mu.Unlock()
}

func (m *Mutator) markInFlightLocked(t Target, kind MutationKind) {
	if len(m.inFlight) == 0 {
		m.idle = make(chan struct{})
	}
	m.inFlight[t] = kind
}

func (m *Mutator) clearInFlightLocked(t Target) {
	delete(m.inFlight, t)
	if len(m.inFlight) == 0 {
		close(m.idle)
	}
}

func (m *Mutator) slotLocked(t Target) *slot {
	if t.Kind == KindSend {
		return &m.sends[t.Index]
	}
	return &m.inserts[t.Index]
}

func (m *Mutator) enqueueLocked(mut mutation) {
	m.enqueueWithResultLocked(mut, nil)
}

func (m *Mutator) enqueueWithResultLocked(mut mutation, result chan<- LoadResult) {
	// the queue is only full if the control thread floods it; hand the send
	// to a goroutine so the caller still returns immediately
	job := func() {
		err := m.execute(mut)
		m.finish(mut, err)
		if result != nil {
			result <- LoadResult{Target: mut.target, Err: err}
		}
	}
	select {
	case m.work <- job:
	default:
		go func() { m.work <- job }()
	}
}

// execute runs on the worker. It pauses the runtime, edits the graph,
// publishes the new plan and resumes, recovering once if resuming fails.
func (m *Mutator) execute(mut mutation) error {
	next := m.current
	switch mut.kind {
	case SwitchTopology, Reconfigure:
		next.topology = mut.topology
	case LoadPlugin:
		*next.plugin(mut.target) = mut.plugin
	case UnloadPlugin:
		*next.plugin(mut.target) = plugin{}
	case SetBypass:
		next.plugin(mut.target).bypassed = mut.plugin.bypassed
	}
	teardown := mut.kind == SwitchTopology || mut.kind == Reconfigure
	log := m.log.WithFields(logrus.Fields{"mutation": mut.kind.String(), "target": mut.target.String(), "id": mut.id, "topology": next.topology.String()})
	log.Debug("mutation started")
	err := m.build(next, teardown)
	if err != nil {
		log.WithError(err).Warn("mutation failed")
	} else {
		log.Debug("mutation finished")
	}
	return err
}

// build moves the graph and the runtime to view next. On return, either
// m.current is next and the graph is steady, or the graph was rolled back
// to m.current, or the mutator is fatal.
func (m *Mutator) build(next view, teardown bool) error {
	if err := m.Err(); err != nil {
		return err
	}
	wasRunning := m.runtime.Running()
	if wasRunning {
		if err := m.runtime.Pause(); err != nil {
			m.log.WithError(err).Warn("pausing runtime failed")
		}
	}
	m.coordinator.Suspend()
	m.rebuilds.Add(1)
	editErr := m.edit(next, teardown)
	if editErr != nil {
		// roll back to the previous steady state
		m.graph = NewGraph()
		if err := m.edit(m.current, true); err != nil {
			return m.fail(fmt.Errorf("rollback after %v: %w", editErr, err))
		}
	} else {
		m.current = next
	}
	m.coordinator.Publish(m.current.plan())
	if teardown {
		m.coordinator.Restart()
	}
	m.coordinator.Resume()
	if wasRunning {
		if err := m.resume(); err != nil {
			return err
		}
	}
	m.publishSnapshot(m.runtime.Running())
	return editErr
}

func (m *Mutator) edit(next view, teardown bool) error {
	if teardown {
		if err := m.graph.apply(shape{}, m.observe); err != nil {
			return fmt.Errorf("teardown: %w", err)
		}
		m.resolver.Reset()
		if err := m.runtime.Configure(render.Channels(next.topology, next.channels)); err != nil {
			return fmt.Errorf("configure runtime: %w", err)
		}
	}
	if err := m.graph.apply(next.shape(), m.observe); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	if err := m.graph.Validate(); err != nil {
		return err
	}
	if d := m.graph.Dangling(); len(d) > 0 {
		return fmt.Errorf("dangling nodes %v", d)
	}
	return nil
}

// resume starts the runtime again. If that fails, it makes one recovery
// attempt: full stop, reset, re-prepare and start.
func (m *Mutator) resume() error {
	err := m.runtime.Start()
	if err == nil {
		return nil
	}
	m.log.WithError(err).Warn("resuming runtime failed, recovering")
	m.runtime.Stop()
	m.runtime.Reset()
	m.resolver.Reset()
	m.coordinator.Restart()
	if err2 := m.runtime.Prepare(); err2 != nil {
		m.recorder.Recovery(false)
		return m.fail(fmt.Errorf("re-prepare after %v: %w", err, err2))
	}
	if err2 := m.runtime.Start(); err2 != nil {
		m.recorder.Recovery(false)
		return m.fail(fmt.Errorf("restart after %v: %w", err, err2))
	}
	m.recorder.Recovery(true)
	return nil
}

func (m *Mutator) fail(err error) error {
	m.runtime.Stop()
	m.coordinator.Suspend()
	m.mu.Lock()
	m.fatal = true
	m.mu.Unlock()
	m.log.WithError(err).Error("graph could not be recovered")
	m.publishSnapshot(false)
	return fmt.Errorf("%w: %v", rendercore.ErrFatalGraph, err)
}

// finish publishes the outcome of a mutation to the control side and clears
// the in-flight mark of its target.
func (m *Mutator) finish(mut mutation, err error) {
	var closeAfter rendercore.Processor
	m.mu.Lock()
	m.topology = m.current.topology
	if mut.target.Kind != KindTopology {
		s := m.slotLocked(mut.target)
		p := m.current.plugin(mut.target)
		switch {
		case mut.kind == LoadPlugin && p.nodeID != mut.plugin.nodeID:
			// rolled back, the new plugin never made it into the graph
			closeAfter = mut.plugin.processor
		case mut.kind == LoadPlugin:
			closeAfter = s.processor
			s.processor, s.nodeID, s.descriptor = p.processor, p.nodeID, mut.descriptor
		case mut.kind == UnloadPlugin && p.nodeID == "":
			closeAfter = s.processor
			*s = slot{}
		}
		s.state = stateOf(*p)
	}
	m.clearInFlightLocked(mut.target)
	m.mu.Unlock()
	if closeAfter != nil {
		closeAfter.Close()
	}
	m.recorder.MutationFinished(mut.kind, err)
	m.onSteady(Steady{Topology: m.current.topology, Running: m.runtime.Running(), Err: err})
}

func stateOf(p plugin) SlotState {
	switch {
	case p.processor == nil:
		return Empty
	case p.bypassed:
		return Bypassed
	}
	return Loaded
}

func (m *Mutator) publishSnapshot(running bool) {
	s := &Snapshot{
		Topology: m.current.topology,
		Running:  running,
		Nodes:    m.graph.Nodes(),
		Edges:    m.graph.Edges(),
	}
	for i, p := range m.current.inserts {
		s.Slots = append(s.Slots, SlotInfo{Target: Insert(i), State: stateOf(p), Plugin: p.nodeID})
	}
	for i, p := range m.current.sends {
		s.Slots = append(s.Slots, SlotInfo{Target: Send(i), State: stateOf(p), Plugin: p.nodeID})
	}
	m.snapshot.Store(s)
}

func (t Target) kindName() string {
	switch t.Kind {
	case KindInsert:
		return fmt.Sprintf("insert%d", t.Index)
	case KindSend:
		return fmt.Sprintf("send%d", t.Index)
	}
	return "topology"
}

func (nopRecorder) MutationFinished(MutationKind, error) {}
func (nopRecorder) MutationCoalesced(MutationKind)      {}
func (nopRecorder) Recovery(bool)                       {}
func (nopRecorder) ConfigChangeIgnored()                {}
func (nopRecorder) PluginLoadFailed()                   {}
