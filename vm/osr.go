package vm

import "sync/atomic"

// OSRNode is a loop-carrying node that can move a running loop into
// compiled code. Implementations embed OSRNodeBase, which supplies the
// metadata and the default frame transfer; a node may override
// CopyIntoOSRFrame or RestoreParentFrame and call the embedded
// implementation for the common part.
//
// A typical interpreter loop looks like:
//
//	for ... {
//		// loop body
//		if vm.PollBackEdge(t, n) {
//			if result, ok := vm.TryOSR(t, n, target, state, nil, frame); ok {
//				return result
//			}
//		}
//	}
type OSRNode interface {
	Node

	// ExecuteOSR resumes the loop at target against the OSR frame. It runs
	// both as compiled code and, after a deoptimization, as the
	// interpreter, so it must behave the same in either mode.
	ExecuteOSR(t *Thread, osrFrame *Frame, target int, interpreterState any) any

	CopyIntoOSRFrame(t *Thread, osrFrame, parentFrame *Frame, target int)
	RestoreParentFrame(t *Thread, osrFrame, parentFrame *Frame)

	osrBase() *OSRNodeBase
}

// ArgumentStorer lets a node decide what the arguments of its OSR frames
// are. By default OSR frames share the parent frame's arguments.
type ArgumentStorer interface {
	StoreParentFrameInArguments(parentFrame *Frame) []any
	RestoreParentFrameFromArguments(args []any) *Frame
}

// OSRNodeBase is embedded by every OSRNode.
type OSRNodeBase struct {
	NodeBase
	meta atomic.Pointer[OSRMetadata]
}

func (b *OSRNodeBase) osrBase() *OSRNodeBase {
	return b
}

// OSRMetadata returns the node's OSR record, or nil if the node has never
// polled a back-edge.
func (b *OSRNodeBase) OSRMetadata() *OSRMetadata {
	return b.meta.Load()
}

func (b *OSRNodeBase) metadataFor(e *Engine, node OSRNode) *OSRMetadata {
	if m := b.meta.Load(); m != nil {
		if m.engine != e {
			panic("vm: OSR node used from two engines")
		}
		return m
	}
	m := newOSRMetadata(e, node)
	if b.meta.CompareAndSwap(nil, m) {
		e.register(m)
		return m
	}
	return b.meta.Load()
}

func (b *OSRNodeBase) nodeReplaced(reason string) {
	if m := b.meta.Load(); m != nil {
		m.nodeReplaced(reason)
	}
}

// CopyIntoOSRFrame copies every slot of the parent frame into the OSR
// frame.
func (b *OSRNodeBase) CopyIntoOSRFrame(t *Thread, osrFrame, parentFrame *Frame, target int) {
	frameContext(osrFrame, "CopyIntoOSRFrame").transfer(parentFrame, osrFrame, "entry")
}

// RestoreParentFrame copies every slot of the OSR frame back into the
// parent frame.
func (b *OSRNodeBase) RestoreParentFrame(t *Thread, osrFrame, parentFrame *Frame) {
	frameContext(osrFrame, "RestoreParentFrame").transfer(osrFrame, parentFrame, "exit")
}

// PollBackEdge records one back-edge of node and reports whether the
// caller should attempt OSR now. It is always false in compiled code.
func PollBackEdge(t *Thread, node OSRNode) bool {
	return PollBackEdgeN(t, node, 1)
}

// PollBackEdgeN records n back-edges at once, for interpreters that count
// iterations locally.
//
// Interpreted back-edges are also credited to the call profile of the
// enclosing logical call when that call returns. Iterations run by
// compiled OSR code are not counted anywhere.
func PollBackEdgeN(t *Thread, node OSRNode, n int) bool {
	if n <= 0 || t.InCompiledCode() {
		return false
	}
	if a := t.logical(); a != nil {
		a.loopCount += uint64(n)
	}
	m := node.osrBase().metadataFor(t.engine, node)
	if m.disabled.Load() {
		return false
	}
	if m.incrementAndPoll(int64(n)) {
		t.engine.stats.hotLoops.Add(1)
		return true
	}
	return false
}

// TryOSR attempts to continue the loop of node at target in compiled code.
//
// If no valid code is available yet (compiling in the background, failed,
// or OSR disabled) it returns false and the caller keeps interpreting.
// Otherwise it transfers parentFrame into a new OSR frame, runs
// beforeTransfer, runs the code and copies the OSR frame back into
// parentFrame before returning the loop's result. interpreterState is
// passed through to ExecuteOSR untouched.
//
// When the compiled code deoptimizes, the same OSR activation continues
// in ExecuteOSR as the interpreter; that may poll and enter OSR again,
// nested inside the current one.
func TryOSR(t *Thread, node OSRNode, target int, interpreterState any, beforeTransfer func(), parentFrame *Frame) (any, bool) {
	m := node.osrBase().metadataFor(t.engine, node)
	unit := m.getOrCompile(target, parentFrame)
	if unit == nil {
		return nil, false
	}
	code := unit.code.Load()
	if !code.isValid() {
		// invalidated between the cache lookup and here
		return nil, false
	}

	ctx := &osrContext{meta: m, entry: unit.entry, unit: unit, code: code, target: target}
	storer, stores := node.(ArgumentStorer)
	args := parentFrame.Args()
	if stores {
		args = storer.StoreParentFrameInArguments(parentFrame)
	}
	osrFrame := NewFrame(parentFrame.desc, args...)
	osrFrame.osr = ctx
	t.engine.stats.osrEntries.Add(1)

	result := runOSR(t, node, ctx, osrFrame, parentFrame, interpreterState, beforeTransfer)

	parent := parentFrame
	if stores {
		parent = storer.RestoreParentFrameFromArguments(osrFrame.Args())
	}
	node.RestoreParentFrame(t, osrFrame, parent)
	return result, true
}

func runOSR(t *Thread, node OSRNode, ctx *osrContext, osrFrame, parentFrame *Frame, state any, beforeTransfer func()) any {
	a := &activation{
		target:   ctx.unit.callTarget,
		frame:    osrFrame,
		unit:     ctx.unit,
		code:     ctx.code,
		compiled: true,
	}
	t.push(a)
	defer t.pop(a)

	node.CopyIntoOSRFrame(t, osrFrame, parentFrame, ctx.target)
	if beforeTransfer != nil {
		beforeTransfer()
	}

	out := Continue(ctx.target)
	if t.InCompiledCode() {
		out = ctx.code.run(t, osrFrame, ctx.target, state)
	}
	if out.Kind == OutcomeReturn {
		return out.Value
	}
	if a.compiled {
		t.deoptimize(a, "compiled code resumed the interpreter")
	}
	return node.ExecuteOSR(t, osrFrame, out.Resume, state)
}
