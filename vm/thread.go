package vm

import "sync/atomic"

// activation is one entry of a thread's call stack. OSR activations share
// the logical call of the nearest regular activation below them.
type activation struct {
	target *CallTarget
	frame  *Frame

	// OSR activations only
	unit     *CompiledUnit
	code     *installedCode
	compiled bool

	// interpreted back-edges since entry, attributed to target on exit
	loopCount uint64
}

func (a *activation) isOSR() bool {
	return a.unit != nil
}

// Thread is the execution state of one goroutine running guest code. A
// Thread must only be used by the goroutine that owns it.
type Thread struct {
	id     uint64
	engine *Engine
	stack  []*activation
}

var threadIDs atomic.Uint64

func (t *Thread) ID() uint64 {
	return t.id
}

func (t *Thread) Engine() *Engine {
	return t.engine
}

// Depth returns the number of activations, OSR ones included.
func (t *Thread) Depth() int {
	return len(t.stack)
}

func (t *Thread) top() *activation {
	if len(t.stack) == 0 {
		return nil
	}
	return t.stack[len(t.stack)-1]
}

func (t *Thread) push(a *activation) {
	t.stack = append(t.stack, a)
}

func (t *Thread) pop(a *activation) {
	n := len(t.stack)
	if n == 0 || t.stack[n-1] != a {
		panic("vm: activation stack corrupted")
	}
	t.stack[n-1] = nil
	t.stack = t.stack[:n-1]
	if a.loopCount > 0 && a.target != nil && !a.target.osr {
		a.target.reportLoopCount(a.loopCount)
	}
}

// logical returns the nearest regular activation, which owns the profile
// of the running call.
func (t *Thread) logical() *activation {
	for i := len(t.stack) - 1; i >= 0; i-- {
		if a := t.stack[i]; !a.isOSR() {
			return a
		}
	}
	return nil
}

// InCompiledCode reports whether the current activation runs compiled
// OSR code. If that code has been invalidated, by this thread or any
// other, the activation deoptimizes here and the answer is false.
func (t *Thread) InCompiledCode() bool {
	a := t.top()
	if a == nil || !a.compiled {
		return false
	}
	if !a.code.isValid() {
		t.deoptimize(a, "code invalidated")
		return false
	}
	return true
}

// InInterpreter is the negation of InCompiledCode.
func (t *Thread) InInterpreter() bool {
	return !t.InCompiledCode()
}

// TransferToInterpreter leaves compiled code without invalidating it.
func (t *Thread) TransferToInterpreter() {
	if a := t.top(); a != nil && a.compiled {
		t.deoptimize(a, "transfer to interpreter")
	}
}

// TransferToInterpreterAndInvalidate leaves compiled code and drops it,
// as compiled code does when one of its assumptions turns out wrong. The
// cache entry is kept so the loop can be compiled again.
func (t *Thread) TransferToInterpreterAndInvalidate() {
	a := t.top()
	if a == nil || !a.compiled {
		return
	}
	a.code.invalidate("transfer to interpreter and invalidate")
	t.deoptimize(a, "transfer to interpreter and invalidate")
}

func (t *Thread) deoptimize(a *activation, reason string) {
	a.compiled = false
	t.engine.stats.deoptimizations.Add(1)
	logger.Debug("osr deoptimized",
		"thread", t.id, "unit", a.unit.id, "target", a.unit.target, "reason", reason)
}
