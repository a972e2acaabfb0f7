package vm

import (
	"testing"
)

const (
	testPollInterval = 64
	testThreshold    = 10 * testPollInterval
	defaultTarget    = -1

	normalResult = "normal result"
	osrResult    = "osr result"
)

// newTestEngine returns a synchronous engine with a small threshold. Tests
// adjust the configuration through cfgFn.
func newTestEngine(t *testing.T, cfgFn func(*Config), opts ...EngineOption) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.OSRPollInterval = testPollInterval
	cfg.OSRCompilationThreshold = testThreshold
	cfg.BackgroundCompilation = false
	cfg.MaxCompilationReAttempts = 1
	cfg.FailOnMaxReAttempts = true
	cfg.CallHotThreshold = 0
	if cfgFn != nil {
		cfgFn(&cfg)
	}
	e, err := NewEngine(cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

type loopNode interface {
	OSRNode
	execute(t *Thread, frame *Frame) any
}

// program is a root node running a single loop node.
type program struct {
	NodeBase
	loop loopNode
}

func (p *program) Execute(t *Thread, frame *Frame) any {
	return p.loop.execute(t, frame)
}

func newProgram(e *Engine, name string, desc *FrameDescriptor, loop loopNode) *CallTarget {
	p := &program{loop: loop}
	Adopt(p, loop)
	return e.NewCallTarget(name, p, desc)
}

func mustInt(f *Frame, slot int) int32 {
	v, err := f.GetInt(slot)
	if err != nil {
		panic(err)
	}
	return v
}

// ----------------------------------------------------------------------------
// Infinite loop that only ends in compiled code
// ----------------------------------------------------------------------------

type infiniteLoop struct {
	OSRNodeBase
}

func (n *infiniteLoop) execute(t *Thread, frame *Frame) any {
	for {
		if t.InCompiledCode() {
			return 42
		}
		if PollBackEdge(t, n) {
			if result, ok := TryOSR(t, n, defaultTarget, nil, nil, frame); ok {
				return result
			}
		}
	}
}

func (n *infiniteLoop) ExecuteOSR(t *Thread, osrFrame *Frame, target int, state any) any {
	return n.execute(t, osrFrame)
}

// ----------------------------------------------------------------------------
// Fixed iteration loop
// ----------------------------------------------------------------------------

// fixedIterationLoop runs args[0] iterations and reports whether it
// finished in compiled code. body runs once per iteration.
type fixedIterationLoop struct {
	OSRNodeBase
	indexSlot         int
	numIterationsSlot int
	child             Node
	uncompilable      error
	body              func(t *Thread, frame *Frame, i int32)
}

func newFixedIterationLoop(desc *FrameDescriptor) *fixedIterationLoop {
	return &fixedIterationLoop{
		indexSlot:         desc.AddSlot(KindInt, "i"),
		numIterationsSlot: desc.AddSlot(KindInt, "n"),
	}
}

func (n *fixedIterationLoop) CheckCompilable(target int) error {
	return n.uncompilable
}

func (n *fixedIterationLoop) ReplaceChild(old, replacement Node) {
	if n.child == old {
		n.child = replacement
	}
}

func (n *fixedIterationLoop) execute(t *Thread, frame *Frame) any {
	frame.SetInt(n.indexSlot, 0)
	frame.SetInt(n.numIterationsSlot, int32(frame.Args()[0].(int)))
	return n.executeLoop(t, frame)
}

func (n *fixedIterationLoop) executeLoop(t *Thread, frame *Frame) any {
	numIterations := mustInt(frame, n.numIterationsSlot)
	for i := mustInt(frame, n.indexSlot); i < numIterations; i++ {
		frame.SetInt(n.indexSlot, i)
		if n.body != nil {
			n.body(t, frame, i)
		}
		if i+1 < numIterations {
			if PollBackEdge(t, n) {
				if result, ok := TryOSR(t, n, defaultTarget, nil, nil, frame); ok {
					return result
				}
			}
		}
	}
	if t.InCompiledCode() {
		return osrResult
	}
	return normalResult
}

func (n *fixedIterationLoop) ExecuteOSR(t *Thread, osrFrame *Frame, target int, state any) any {
	return n.executeLoop(t, osrFrame)
}

type leaf struct {
	NodeBase
}

// ----------------------------------------------------------------------------
// Two sequential loops sharing one target
// ----------------------------------------------------------------------------

const (
	osrInFirstLoop  = "osr in first loop"
	osrInSecondLoop = "osr in second loop"
	noOSR           = "no osr"
)

type twoFixedIterationLoops struct {
	OSRNodeBase
	indexSlot         int
	numIterationsSlot int
}

func newTwoFixedIterationLoops(desc *FrameDescriptor) *twoFixedIterationLoops {
	return &twoFixedIterationLoops{
		indexSlot:         desc.AddSlot(KindInt, "i"),
		numIterationsSlot: desc.AddSlot(KindInt, "n"),
	}
}

func (n *twoFixedIterationLoops) execute(t *Thread, frame *Frame) any {
	frame.SetInt(n.indexSlot, 0)
	frame.SetInt(n.numIterationsSlot, int32(frame.Args()[0].(int)))
	return n.executeLoop(t, frame)
}

func (n *twoFixedIterationLoops) executeLoop(t *Thread, frame *Frame) any {
	numIterations := mustInt(frame, n.numIterationsSlot)
	for i := mustInt(frame, n.indexSlot); i < numIterations; i++ {
		frame.SetInt(n.indexSlot, i)
		if i+1 < numIterations && PollBackEdge(t, n) {
			if _, ok := TryOSR(t, n, defaultTarget, nil, nil, frame); ok {
				return osrInFirstLoop
			}
		}
	}
	for i := mustInt(frame, n.indexSlot); i < 2*numIterations; i++ {
		frame.SetInt(n.indexSlot, i)
		if i+1 < 2*numIterations && PollBackEdge(t, n) {
			if _, ok := TryOSR(t, n, defaultTarget, nil, nil, frame); ok {
				return osrInSecondLoop
			}
		}
	}
	return noOSR
}

func (n *twoFixedIterationLoops) ExecuteOSR(t *Thread, osrFrame *Frame, target int, state any) any {
	return n.executeLoop(t, osrFrame)
}

// ----------------------------------------------------------------------------
// Two loops whose frames disagree on the kind of one slot
// ----------------------------------------------------------------------------

// twoLoopsIncompatibleFrames uses target 0 for a loop that keeps an int in
// localSlot and target 1 for one that keeps a double there.
type twoLoopsIncompatibleFrames struct {
	OSRNodeBase
	indexSlot         int
	numIterationsSlot int
	localSlot         int
}

func newTwoLoopsIncompatibleFrames(desc *FrameDescriptor) *twoLoopsIncompatibleFrames {
	return &twoLoopsIncompatibleFrames{
		indexSlot:         desc.AddSlot(KindInt, "i"),
		numIterationsSlot: desc.AddSlot(KindInt, "n"),
		localSlot:         desc.AddSlot(KindIllegal, "local"),
	}
}

func (n *twoLoopsIncompatibleFrames) execute(t *Thread, frame *Frame) any {
	frame.SetInt(n.indexSlot, 0)
	frame.SetInt(n.numIterationsSlot, int32(frame.Args()[0].(int)))
	if frame.Args()[1].(bool) {
		frame.SetInt(n.localSlot, 0)
		return n.loop(t, frame, 0)
	}
	frame.SetDouble(n.localSlot, 0)
	return n.loop(t, frame, 1)
}

func (n *twoLoopsIncompatibleFrames) loop(t *Thread, frame *Frame, target int) any {
	numIterations := mustInt(frame, n.numIterationsSlot)
	for i := mustInt(frame, n.indexSlot); i < numIterations; i++ {
		frame.SetInt(n.indexSlot, i)
		if target == 0 {
			v := mustInt(frame, n.localSlot)
			frame.SetInt(n.localSlot, v+1)
		} else {
			v, err := frame.GetDouble(n.localSlot)
			if err != nil {
				panic(err)
			}
			frame.SetDouble(n.localSlot, v+1)
		}
		if i+1 < numIterations && PollBackEdge(t, n) {
			if result, ok := TryOSR(t, n, target, nil, nil, frame); ok {
				return result
			}
		}
	}
	if t.InCompiledCode() {
		return osrResult
	}
	return normalResult
}

func (n *twoLoopsIncompatibleFrames) ExecuteOSR(t *Thread, osrFrame *Frame, target int, state any) any {
	return n.loop(t, osrFrame, target)
}

// ----------------------------------------------------------------------------
// Frame transfer of every slot kind
// ----------------------------------------------------------------------------

type frameTransferringNode struct {
	OSRNodeBase
	tb testing.TB

	boolSlot, byteSlot, doubleSlot, floatSlot, intSlot, longSlot, objectSlot int

	o1, o2 *struct{ name string }

	// intSlot holds an object once the OSR state is set
	intToObject bool

	copyInCompiled bool
	restored       bool
}

func newFrameTransferringNode(tb testing.TB, desc *FrameDescriptor) *frameTransferringNode {
	return &frameTransferringNode{
		tb:         tb,
		boolSlot:   desc.AddSlot(KindBoolean, "bool"),
		byteSlot:   desc.AddSlot(KindByte, "byte"),
		doubleSlot: desc.AddSlot(KindDouble, "double"),
		floatSlot:  desc.AddSlot(KindFloat, "float"),
		intSlot:    desc.AddSlot(KindInt, "int"),
		longSlot:   desc.AddSlot(KindLong, "long"),
		objectSlot: desc.AddSlot(KindObject, "object"),
		o1:         &struct{ name string }{"o1"},
		o2:         &struct{ name string }{"o2"},
	}
}

func (n *frameTransferringNode) execute(t *Thread, frame *Frame) any {
	n.setRegularState(frame)
	return n.executeLoop(t, frame)
}

func (n *frameTransferringNode) executeLoop(t *Thread, frame *Frame) any {
	for {
		if t.InCompiledCode() {
			n.checkRegularState(frame)
			n.setOSRState(frame)
			return 42
		}
		if PollBackEdge(t, n) {
			if result, ok := TryOSR(t, n, defaultTarget, nil, nil, frame); ok {
				n.checkOSRState(frame)
				return result
			}
		}
	}
}

func (n *frameTransferringNode) ExecuteOSR(t *Thread, osrFrame *Frame, target int, state any) any {
	return n.executeLoop(t, osrFrame)
}

func (n *frameTransferringNode) CopyIntoOSRFrame(t *Thread, osrFrame, parentFrame *Frame, target int) {
	n.OSRNodeBase.CopyIntoOSRFrame(t, osrFrame, parentFrame, target)
	n.copyInCompiled = t.InCompiledCode()
}

func (n *frameTransferringNode) RestoreParentFrame(t *Thread, osrFrame, parentFrame *Frame) {
	n.OSRNodeBase.RestoreParentFrame(t, osrFrame, parentFrame)
	n.restored = true
}

func (n *frameTransferringNode) setRegularState(f *Frame) {
	f.SetBoolean(n.boolSlot, true)
	f.SetByte(n.byteSlot, 1)
	f.SetDouble(n.doubleSlot, 1.0)
	f.SetFloat(n.floatSlot, 1.0)
	f.SetInt(n.intSlot, 1)
	f.SetLong(n.longSlot, 1)
	f.SetObject(n.objectSlot, n.o1)
}

func (n *frameTransferringNode) checkRegularState(f *Frame) {
	n.tb.Helper()
	n.check(f.GetBoolean(n.boolSlot))(true)
	n.check(f.GetByte(n.byteSlot))(int8(1))
	n.check(f.GetDouble(n.doubleSlot))(1.0)
	n.check(f.GetFloat(n.floatSlot))(float32(1.0))
	n.check(f.GetInt(n.intSlot))(int32(1))
	n.check(f.GetLong(n.longSlot))(int64(1))
	n.check(f.GetObject(n.objectSlot))(n.o1)
}

func (n *frameTransferringNode) setOSRState(f *Frame) {
	f.SetBoolean(n.boolSlot, false)
	f.SetByte(n.byteSlot, 2)
	f.SetDouble(n.doubleSlot, 2.0)
	f.SetFloat(n.floatSlot, 2.0)
	if n.intToObject {
		f.SetObject(n.intSlot, n.o2)
	} else {
		f.SetInt(n.intSlot, 2)
	}
	f.SetLong(n.longSlot, 2)
	f.SetObject(n.objectSlot, n.o2)
}

func (n *frameTransferringNode) checkOSRState(f *Frame) {
	n.tb.Helper()
	n.check(f.GetBoolean(n.boolSlot))(false)
	n.check(f.GetByte(n.byteSlot))(int8(2))
	n.check(f.GetDouble(n.doubleSlot))(2.0)
	n.check(f.GetFloat(n.floatSlot))(float32(2.0))
	if n.intToObject {
		n.check(f.GetObject(n.intSlot))(n.o2)
	} else {
		n.check(f.GetInt(n.intSlot))(int32(2))
	}
	n.check(f.GetLong(n.longSlot))(int64(2))
	n.check(f.GetObject(n.objectSlot))(n.o2)
}

// check returns a function comparing a slot read against its expected
// value.
func (n *frameTransferringNode) check(got any, err error) func(want any) {
	return func(want any) {
		n.tb.Helper()
		if err != nil {
			n.tb.Errorf("slot read failed: %v", err)
			return
		}
		if got != want {
			n.tb.Errorf("slot value = %v, want %v", got, want)
		}
	}
}
