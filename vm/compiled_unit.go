package vm

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// OutcomeKind tells the dispatcher how compiled code finished.
type OutcomeKind uint8

const (
	// OutcomeReturn means the loop completed with Outcome.Value.
	OutcomeReturn OutcomeKind = iota
	// OutcomeContinue means compiled code deoptimized and the interpreter
	// must carry on from Outcome.Resume in the same OSR activation.
	OutcomeContinue
)

// Outcome is the result of running OSR code.
type Outcome struct {
	Kind   OutcomeKind
	Value  any
	Resume int
}

// Return builds a completed outcome.
func Return(v any) Outcome {
	return Outcome{Kind: OutcomeReturn, Value: v}
}

// Continue builds a deoptimized outcome resuming at the given loop target.
func Continue(resume int) Outcome {
	return Outcome{Kind: OutcomeContinue, Resume: resume}
}

// OSRCode is what a Backend produces for one loop entry.
type OSRCode func(t *Thread, osrFrame *Frame, target int, interpreterState any) Outcome

// installedCode is one successful compilation of a unit. A unit keeps its
// identity across recompilations; each recompilation installs fresh code.
type installedCode struct {
	id    string
	unit  *CompiledUnit
	run   OSRCode
	spec  *transferState
	valid atomic.Bool
}

func (c *installedCode) isValid() bool {
	return c != nil && c.valid.Load()
}

// invalidate marks the code invalid. Activations running it notice on
// their next InCompiledCode check, whatever thread they are on.
func (c *installedCode) invalidate(reason string) bool {
	if !c.valid.CompareAndSwap(true, false) {
		return false
	}
	u := c.unit
	u.code.CompareAndSwap(c, nil)
	u.meta.engine.stats.invalidations.Add(1)
	logger.Debug("osr code invalidated",
		"node", nodeName(u.meta.node), "target", u.target, "code", c.id, "reason", reason)
	return true
}

// CompiledUnit is the cached compilation of one (node, target) pair.
type CompiledUnit struct {
	id         string
	meta       *OSRMetadata
	entry      *osrEntry
	target     int
	callTarget *CallTarget

	code         atomic.Pointer[installedCode]
	compilations atomic.Int32
}

func newCompiledUnit(m *OSRMetadata, target int) *CompiledUnit {
	u := &CompiledUnit{
		id:     uuid.New().String(),
		meta:   m,
		target: target,
	}
	u.callTarget = &CallTarget{
		engine: m.engine,
		name:   nodeName(m.node) + "<osr:" + strconv.Itoa(target) + ">",
		osr:    true,
	}
	return u
}

// ID is a unique identifier used in logs and snapshots.
func (u *CompiledUnit) ID() string {
	return u.id
}

// Target is the loop entry this unit was compiled for.
func (u *CompiledUnit) Target() int {
	return u.target
}

// CallTarget is the synthetic call target of the OSR activation. Stack
// walks never report it.
func (u *CompiledUnit) CallTarget() *CallTarget {
	return u.callTarget
}

// IsValid reports whether the unit has installed code that may be entered.
func (u *CompiledUnit) IsValid() bool {
	return u.code.Load().isValid()
}

// Compilations counts successful installs of this unit.
func (u *CompiledUnit) Compilations() int {
	return int(u.compilations.Load())
}

// Invalidate drops the installed code. The cache entry stays, so the next
// qualifying poll recompiles into the same unit.
func (u *CompiledUnit) Invalidate(reason string) bool {
	c := u.code.Load()
	if c == nil {
		return false
	}
	return c.invalidate(reason)
}

func (u *CompiledUnit) install(run OSRCode, spec *transferState, assumptions []*Assumption) (*installedCode, bool) {
	c := &installedCode{id: uuid.New().String(), unit: u, run: run, spec: spec}
	c.valid.Store(true)
	for i, a := range assumptions {
		if !a.register(c) {
			c.valid.Store(false)
			for _, prev := range assumptions[:i] {
				prev.unregister(c)
			}
			return nil, false
		}
	}
	u.code.Store(c)
	u.compilations.Add(1)
	return c, true
}
