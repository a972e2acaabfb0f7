package vm

import "fmt"

// transferState is the speculated layout of frames crossing the OSR
// boundary for one target: the descriptor version and the slot tags seen
// when the target was compiled. Installed code keeps the state it was
// compiled with; the cache entry holds the one the next compile uses.
type transferState struct {
	desc    *FrameDescriptor
	version uint64
	tags    []SlotKind
}

func captureTransferState(f *Frame) *transferState {
	f.grow()
	return &transferState{
		desc:    f.desc,
		version: f.desc.Version(),
		tags:    append([]SlotKind(nil), f.tags...),
	}
}

func (st *transferState) matches(f *Frame) bool {
	if st == nil || f.desc != st.desc || f.desc.Version() != st.version || len(f.tags) != len(st.tags) {
		return false
	}
	for i, tag := range st.tags {
		if f.tags[i] != tag {
			return false
		}
	}
	return true
}

// speculate returns the layout the next compile of e is specialized for.
// A recorded layout is reused while the descriptor is unchanged; once it
// has been dropped by a failed transfer, parent's layout is captured.
func (m *OSRMetadata) speculate(e *osrEntry, parent *Frame) *transferState {
	st := e.transfer.Load()
	if st != nil && st.desc == parent.desc && st.version == parent.desc.Version() {
		return st
	}
	st = captureTransferState(parent)
	e.transfer.Store(st)
	return st
}

// osrContext ties an OSR frame to the cache entry and code it was created
// for. The default transfer hooks find everything they need through it,
// so they keep working after the node is disabled or its cache evicted.
type osrContext struct {
	meta   *OSRMetadata
	entry  *osrEntry
	unit   *CompiledUnit
	code   *installedCode
	target int
}

func frameContext(f *Frame, op string) *osrContext {
	if f.osr == nil {
		panic(fmt.Sprintf("vm: %s called with a frame that was not created for OSR", op))
	}
	return f.osr
}

// OSRTarget returns the loop target an OSR frame was created for.
func (f *Frame) OSRTarget() (int, bool) {
	if f.osr == nil {
		return 0, false
	}
	return f.osr.target, true
}

// transfer copies every slot of src into dst. If src does not have the
// layout the code being entered or exited was compiled for, that code is
// invalidated and its speculation dropped, so the next compile captures
// the frame the interpreter actually holds at that point.
func (c *osrContext) transfer(src, dst *Frame, direction string) {
	src.grow()
	dst.grow()
	if len(dst.tags) < len(src.tags) {
		panic(fmt.Sprintf("vm: OSR %s transfer into a frame with %d slots from one with %d", direction, len(dst.tags), len(src.tags)))
	}

	if !c.code.spec.matches(src) {
		c.speculationFailed(direction)
	}

	var plan *SlotKindPlan
	if o, ok := c.meta.node.(SlotKindOracle); ok {
		plan = o.SlotKindPlan()
	}
	for i, tag := range src.tags {
		if tag == KindStatic && plan != nil {
			copyStaticSlot(src, dst, i, plan)
			continue
		}
		copySlot(src, dst, i)
	}
}

func (c *osrContext) speculationFailed(direction string) {
	c.code.invalidate("frame layout changed on OSR " + direction)
	// A newer speculation recorded by another thread stays.
	c.entry.transfer.CompareAndSwap(c.code.spec, nil)
	c.meta.engine.stats.transferMismatches.Add(1)
	logger.Debug("osr frame speculation failed",
		"node", nodeName(c.meta.node), "target", c.target, "direction", direction)
}

// copyStaticSlot copies only the storage the plan says a static slot uses.
func copyStaticSlot(src, dst *Frame, i int, plan *SlotKindPlan) {
	kind, single := plan.SingleKind(i)
	switch {
	case single && kind.IsPrimitive():
		dst.prims[i] = src.prims[i]
	case single && kind == KindObject:
		dst.objs[i] = src.objs[i]
	default:
		dst.prims[i] = src.prims[i]
		dst.objs[i] = src.objs[i]
	}
}
