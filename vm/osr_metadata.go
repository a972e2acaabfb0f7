package vm

import (
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// entryState is the lifecycle of one cache entry.
//
//	absent ──► compiling ──► present ──(invalidated)──► compiling ...
//	   ▲           │
//	   └─transient─┤
//	               └─permanent──► disabled (terminal, node-wide)
type entryState uint32

const (
	stateAbsent entryState = iota
	stateCompiling
	statePresent
	stateDisabled
)

func (s entryState) String() string {
	switch s {
	case stateAbsent:
		return "absent"
	case stateCompiling:
		return "compiling"
	case statePresent:
		return "present"
	case stateDisabled:
		return "disabled"
	}
	return "unknown"
}

// osrEntry is the cache slot of one loop target. Its unit is created with
// the entry and keeps its identity until the entry is evicted.
type osrEntry struct {
	target     int
	state      atomic.Uint32
	unit       *CompiledUnit
	transfer   atomic.Pointer[transferState] // layout for the next compile, nil once dropped
	reAttempts atomic.Int32
}

func (e *osrEntry) load() entryState {
	return entryState(e.state.Load())
}

func (e *osrEntry) cas(from, to entryState) bool {
	return e.state.CompareAndSwap(uint32(from), uint32(to))
}

func (e *osrEntry) store(s entryState) {
	e.state.Store(uint32(s))
}

// OSRMetadata is the per-node OSR record: the back-edge counter, the
// cache of compiled units keyed by loop target, and the disabled flag.
// It is created lazily by the first poll on a node.
type OSRMetadata struct {
	engine    *Engine
	node      OSRNode
	threshold int64
	interval  int64

	backEdges atomic.Int64
	disabled  atomic.Bool

	mu      sync.Mutex
	entries map[int]*osrEntry

	// synchronous mode: concurrent requests for one target share one compile
	flight singleflight.Group
}

func newOSRMetadata(e *Engine, node OSRNode) *OSRMetadata {
	m := &OSRMetadata{
		engine:    e,
		node:      node,
		threshold: int64(e.config.OSRCompilationThreshold),
		interval:  int64(e.config.OSRPollInterval),
		entries:   make(map[int]*osrEntry),
	}
	if !e.config.OSR {
		m.disabled.Store(true)
	}
	return m
}

// incrementAndPoll counts n back-edges and reports whether this batch
// crossed a poll boundary at or above the threshold.
func (m *OSRMetadata) incrementAndPoll(n int64) bool {
	count := m.backEdges.Add(n)
	if count < m.threshold {
		return false
	}
	return count/m.interval != (count-n)/m.interval
}

// BackEdgeCount returns the number of back-edges polled so far.
func (m *OSRMetadata) BackEdgeCount() int64 {
	return m.backEdges.Load()
}

// IsDisabled reports whether OSR has been turned off for the node. Once
// true it stays true.
func (m *OSRMetadata) IsDisabled() bool {
	return m.disabled.Load()
}

// ForceDisable turns OSR off for the node. Activations already running
// OSR code deoptimize but can still finish and restore their parent frame.
func (m *OSRMetadata) ForceDisable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disableLocked("forced")
}

func (m *OSRMetadata) disableLocked(reason string) {
	if !m.disabled.CompareAndSwap(false, true) {
		return
	}
	for _, e := range m.entries {
		e.store(stateDisabled)
		e.unit.Invalidate("osr disabled: " + reason)
	}
	m.engine.stats.nodesDisabled.Add(1)
	logger.Warning("osr disabled", "node", nodeName(m.node), "reason", reason)
}

// Compilations returns the units that have been compiled at least once
// and are still cached, keyed by target.
func (m *OSRMetadata) Compilations() map[int]*CompiledUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]*CompiledUnit, len(m.entries))
	for target, e := range m.entries {
		if e.unit.Compilations() > 0 {
			out[target] = e.unit
		}
	}
	return out
}

func (m *OSRMetadata) entry(target int) *osrEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabled.Load() {
		return nil
	}
	e, ok := m.entries[target]
	if !ok {
		e = &osrEntry{target: target}
		e.unit = newCompiledUnit(m, target)
		e.unit.entry = e
		m.entries[target] = e
	}
	return e
}

// getOrCompile returns a unit with valid code for target, compiling it if
// needed. It returns nil while a background compile is pending, after a
// failed compile, and always once the node is disabled.
func (m *OSRMetadata) getOrCompile(target int, parent *Frame) *CompiledUnit {
	if m.disabled.Load() {
		return nil
	}
	e := m.entry(target)
	if e == nil {
		return nil
	}

	switch e.load() {
	case statePresent:
		if e.unit.IsValid() {
			return e.unit
		}
	case stateDisabled:
		return nil
	case stateCompiling:
		if m.engine.queue != nil {
			return nil
		}
	}

	if m.engine.queue != nil {
		if err := m.requestBackground(e, parent); err != nil {
			m.failMaxReAttempts(err)
		}
		return nil
	}

	v, err, _ := m.flight.Do(strconv.Itoa(target), func() (any, error) {
		return m.compileNow(e, parent)
	})
	if err != nil {
		m.failMaxReAttempts(err)
		return nil
	}
	u, _ := v.(*CompiledUnit)
	return u
}

func (m *OSRMetadata) failMaxReAttempts(err error) {
	if m.engine.config.FailOnMaxReAttempts {
		panic(err)
	}
}

// begin moves e to compiling and returns the layout to compile for. It
// returns nil when there is nothing to do: another caller is already
// compiling, valid code is installed, or the entry is disabled.
func (m *OSRMetadata) begin(e *osrEntry, parent *Frame) (*transferState, error) {
	for {
		st := e.load()
		switch st {
		case stateDisabled, stateCompiling:
			return nil, nil
		case statePresent:
			if e.unit.IsValid() {
				return nil, nil
			}
		}
		if e.cas(st, stateCompiling) {
			break
		}
	}

	if e.unit.Compilations() > 0 {
		n := int(e.reAttempts.Add(1))
		if n > m.engine.config.MaxCompilationReAttempts {
			m.mu.Lock()
			m.disableLocked("max compilation re-attempts reached for target " + strconv.Itoa(e.target))
			m.mu.Unlock()
			return nil, &MaxReAttemptsError{Node: nodeName(m.node), Target: e.target, Attempts: n}
		}
	}

	spec := m.speculate(e, parent)
	m.engine.stats.compilationsRequested.Add(1)
	logger.Debug("osr compile requested",
		"node", nodeName(m.node), "target", e.target, "backEdges", m.backEdges.Load())
	return spec, nil
}

func (m *OSRMetadata) compileNow(e *osrEntry, parent *Frame) (*CompiledUnit, error) {
	spec, err := m.begin(e, parent)
	if err != nil {
		return nil, err
	}
	if spec != nil {
		m.compile(e, spec)
	}
	if e.load() == statePresent && e.unit.IsValid() {
		return e.unit, nil
	}
	return nil, nil
}

func (m *OSRMetadata) requestBackground(e *osrEntry, parent *Frame) error {
	spec, err := m.begin(e, parent)
	if err != nil || spec == nil {
		return err
	}
	if !m.engine.queue.submit(compileJob{meta: m, entry: e, spec: spec}) {
		e.cas(stateCompiling, stateAbsent)
		m.engine.stats.queueRejections.Add(1)
		logger.Debug("osr compile queue full", "node", nodeName(m.node), "target", e.target)
	}
	return nil
}

// compile runs the backend for an entry in the compiling state and
// publishes the result. It runs on the polling thread in synchronous mode
// and on a queue worker otherwise.
func (m *OSRMetadata) compile(e *osrEntry, spec *transferState) {
	p := &Program{
		Node:       m.node,
		Target:     e.target,
		Descriptor: spec.desc,
		Tags:       append([]SlotKind(nil), spec.tags...),
	}
	if ap, ok := m.node.(AssumptionProvider); ok {
		p.Assumptions = ap.OSRAssumptions(e.target)
	}
	run, err := m.engine.backend.Compile(m.engine.ctx, p)
	m.finish(e, p, spec, run, err)
}

func (m *OSRMetadata) finish(e *osrEntry, p *Program, spec *transferState, run OSRCode, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &m.engine.stats
	if m.entries[e.target] != e || m.disabled.Load() {
		e.cas(stateCompiling, stateAbsent)
		stats.discardedCompilations.Add(1)
		logger.Debug("osr compile result discarded", "node", nodeName(m.node), "target", e.target)
		return
	}

	if err != nil {
		if isPermanent(err) {
			stats.permanentBailouts.Add(1)
			e.store(stateDisabled)
			m.disableLocked(err.Error())
			return
		}
		stats.transientBailouts.Add(1)
		e.store(stateAbsent)
		logger.Debug("osr compile bailed out", "node", nodeName(m.node), "target", e.target, "error", err)
		return
	}

	code, ok := e.unit.install(run, spec, p.Assumptions)
	if !ok {
		stats.transientBailouts.Add(1)
		e.store(stateAbsent)
		logger.Debug("osr compile used an invalid assumption", "node", nodeName(m.node), "target", e.target)
		return
	}
	e.store(statePresent)
	stats.compilationsSucceeded.Add(1)
	logger.Debug("osr compiled",
		"node", nodeName(m.node), "target", e.target, "unit", e.unit.id, "code", code.id)
}

// abandon puts back an entry whose queued compile will never run.
func (m *OSRMetadata) abandon(e *osrEntry) {
	e.cas(stateCompiling, stateAbsent)
}

// nodeReplaced evicts every entry and invalidates its unit. In-flight
// compiles for evicted entries are discarded when they finish, and later
// polls compile into fresh units.
func (m *OSRMetadata) nodeReplaced(reason string) {
	m.mu.Lock()
	old := m.entries
	m.entries = make(map[int]*osrEntry)
	m.mu.Unlock()

	for _, e := range old {
		e.unit.Invalidate("node replaced: " + reason)
	}
	logger.Debug("osr cache evicted", "node", nodeName(m.node), "entries", len(old), "reason", reason)
}

// MetadataInfo describes the OSR state of one node.
type MetadataInfo struct {
	NodeID    uint64       `cbor:"1,keyasint"`
	Node      string       `cbor:"2,keyasint"`
	Disabled  bool         `cbor:"3,keyasint"`
	BackEdges int64        `cbor:"4,keyasint"`
	Targets   []TargetInfo `cbor:"5,keyasint"`
}

// TargetInfo describes one cache entry.
type TargetInfo struct {
	Target       int      `cbor:"1,keyasint"`
	State        string   `cbor:"2,keyasint"`
	UnitID       string   `cbor:"3,keyasint"`
	Valid        bool     `cbor:"4,keyasint"`
	Compilations int      `cbor:"5,keyasint"`
	ReAttempts   int      `cbor:"6,keyasint"`
	Tags         []string `cbor:"7,keyasint,omitempty"`
}

// Info returns a description of the record for inspection.
func (m *OSRMetadata) Info() MetadataInfo {
	info := MetadataInfo{
		NodeID:    NodeID(m.node),
		Node:      nodeName(m.node),
		Disabled:  m.disabled.Load(),
		BackEdges: m.backEdges.Load(),
	}
	m.mu.Lock()
	for _, e := range m.entries {
		ti := TargetInfo{
			Target:       e.target,
			State:        e.load().String(),
			UnitID:       e.unit.id,
			Valid:        e.unit.IsValid(),
			Compilations: e.unit.Compilations(),
			ReAttempts:   int(e.reAttempts.Load()),
		}
		st := e.transfer.Load()
		if c := e.unit.code.Load(); c != nil {
			st = c.spec
		}
		if st != nil {
			for _, tag := range st.tags {
				ti.Tags = append(ti.Tags, tag.String())
			}
		}
		info.Targets = append(info.Targets, ti)
	}
	m.mu.Unlock()
	sort.Slice(info.Targets, func(i, j int) bool { return info.Targets[i].Target < info.Targets[j].Target })
	return info
}
