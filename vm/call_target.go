package vm

import "sync/atomic"

// CallTarget is a callable root node together with its frame layout.
// It also keeps the call profile used to recognize hot functions.
type CallTarget struct {
	engine *Engine
	name   string
	root   RootNode
	desc   *FrameDescriptor
	osr    bool

	calls          atomic.Uint64
	loopIterations atomic.Uint64
	hot            atomic.Bool
}

// CallProfile is a copy of a call target's counters.
type CallProfile struct {
	Calls          uint64
	LoopIterations uint64
	Hot            bool
}

func (c *CallTarget) Name() string {
	return c.name
}

func (c *CallTarget) String() string {
	return c.name
}

func (c *CallTarget) RootNode() RootNode {
	return c.root
}

func (c *CallTarget) Descriptor() *FrameDescriptor {
	return c.desc
}

// IsOSR reports whether this is the synthetic target of an OSR unit.
func (c *CallTarget) IsOSR() bool {
	return c.osr
}

// Profile returns the call and loop counters.
func (c *CallTarget) Profile() CallProfile {
	return CallProfile{
		Calls:          c.calls.Load(),
		LoopIterations: c.loopIterations.Load(),
		Hot:            c.hot.Load(),
	}
}

// Call runs the root node in a fresh interpreted activation.
func (c *CallTarget) Call(t *Thread, args ...any) any {
	if c.osr {
		panic("vm: OSR call targets cannot be called directly")
	}
	if t.engine != c.engine {
		panic("vm: thread and call target belong to different engines")
	}
	frame := NewFrame(c.desc, args...)
	a := &activation{target: c, frame: frame}
	t.push(a)
	defer t.pop(a)

	c.calls.Add(1)
	c.checkHot()
	return c.root.Execute(t, frame)
}

func (c *CallTarget) reportLoopCount(n uint64) {
	c.loopIterations.Add(n)
	c.checkHot()
}

func (c *CallTarget) checkHot() {
	threshold := c.engine.config.CallHotThreshold
	if threshold == 0 || c.hot.Load() {
		return
	}
	if c.calls.Load()+c.loopIterations.Load() < threshold {
		return
	}
	if c.hot.CompareAndSwap(false, true) {
		logger.Debug("call target hot", "target", c.name)
		if c.engine.onHot != nil {
			c.engine.onHot(c)
		}
	}
}
