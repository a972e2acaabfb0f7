package vm

import "testing"

// stackWalkingNode loops until it runs compiled, then hands the thread and
// the live frame to inCompiled. With deoptFirst it drops out of its first
// compiled code so the second entry is nested inside the first.
type stackWalkingNode struct {
	OSRNodeBase
	deoptFirst bool
	deopted    bool
	inCompiled func(t *Thread, frame *Frame)
}

func (n *stackWalkingNode) execute(t *Thread, frame *Frame) any {
	for {
		if t.InCompiledCode() {
			if n.deoptFirst && !n.deopted {
				n.deopted = true
				t.TransferToInterpreterAndInvalidate()
				continue
			}
			n.inCompiled(t, frame)
			return 42
		}
		if PollBackEdge(t, n) {
			if result, ok := TryOSR(t, n, defaultTarget, nil, nil, frame); ok {
				return result
			}
		}
	}
}

func (n *stackWalkingNode) ExecuteOSR(t *Thread, osrFrame *Frame, target int, state any) any {
	return n.execute(t, osrFrame)
}

// callingRoot calls another call target.
type callingRoot struct {
	NodeBase
	callee *CallTarget
}

func (r *callingRoot) Execute(t *Thread, frame *Frame) any {
	return r.callee.Call(t)
}

// framePeekingRoot records the stack as seen from a plain interpreted call.
type framePeekingRoot struct {
	NodeBase
	seen  FrameInstance
	frame *Frame
}

func (r *framePeekingRoot) Execute(t *Thread, frame *Frame) any {
	r.frame = frame
	r.seen, _ = t.CurrentFrame()
	return nil
}

func TestCurrentFrameInInterpreter(t *testing.T) {
	e := newTestEngine(t, nil)
	root := &framePeekingRoot{}
	target := e.NewCallTarget("peek", root, NewFrameDescriptor())
	th := e.NewThread()

	target.Call(th)

	if root.seen.CallTarget() != target {
		t.Errorf("CallTarget = %v, want %v", root.seen.CallTarget(), target)
	}
	if root.seen.Frame() != root.frame {
		t.Error("Frame should be the call's own frame")
	}
	if root.seen.InOSR() || root.seen.IsCompiled() {
		t.Error("a plain call is neither in OSR nor compiled")
	}
	if _, ok := th.CurrentFrame(); ok {
		t.Error("no frame should be reported once the call returned")
	}
}

func TestStackWalkHidesOSRCallTarget(t *testing.T) {
	e := newTestEngine(t, nil)
	node := &stackWalkingNode{}
	target := newProgram(e, "walk", NewFrameDescriptor(), node)

	ran := false
	node.inCompiled = func(th *Thread, frame *Frame) {
		ran = true
		fi, ok := th.CurrentFrame()
		if !ok {
			t.Fatal("Expected a current frame")
		}
		if fi.CallTarget() != target {
			t.Errorf("CallTarget = %v, want %v", fi.CallTarget(), target)
		}
		if fi.CallTarget().IsOSR() {
			t.Error("stack walks must never report an OSR call target")
		}
		if fi.Frame() != frame {
			t.Error("Frame should be the live OSR frame")
		}
		if _, isOSR := fi.Frame().OSRTarget(); !isOSR {
			t.Error("the reported frame should be an OSR frame")
		}
		if !fi.InOSR() || !fi.IsCompiled() {
			t.Errorf("InOSR = %v, IsCompiled = %v, want both true", fi.InOSR(), fi.IsCompiled())
		}
		if trace := th.StackTrace(); len(trace) != 1 || trace[0] != target {
			t.Errorf("StackTrace = %v, want [%v]", trace, target)
		}
		if _, ok := th.CallerFrame(); ok {
			t.Error("a top-level call has no caller")
		}
	}

	if got := target.Call(e.NewThread()); got != 42 {
		t.Fatalf("Expected 42, got %v", got)
	}
	if !ran {
		t.Fatal("loop never ran compiled")
	}
}

func TestCallerFrameSkipsOSRActivation(t *testing.T) {
	e := newTestEngine(t, nil)
	node := &stackWalkingNode{}
	inner := newProgram(e, "inner", NewFrameDescriptor(), node)
	outer := e.NewCallTarget("outer", &callingRoot{callee: inner}, NewFrameDescriptor())

	ran := false
	node.inCompiled = func(th *Thread, frame *Frame) {
		ran = true
		caller, ok := th.CallerFrame()
		if !ok {
			t.Fatal("Expected a caller frame")
		}
		if caller.CallTarget() != outer {
			t.Errorf("caller = %v, want %v", caller.CallTarget(), outer)
		}
		if caller.InOSR() {
			t.Error("the caller is not in OSR")
		}
		trace := th.StackTrace()
		if len(trace) != 2 || trace[0] != inner || trace[1] != outer {
			t.Errorf("StackTrace = %v, want [%v %v]", trace, inner, outer)
		}
	}

	if got := outer.Call(e.NewThread()); got != 42 {
		t.Fatalf("Expected 42, got %v", got)
	}
	if !ran {
		t.Fatal("loop never ran compiled")
	}
}

func TestStackWalkReportsNewestNestedOSRFrame(t *testing.T) {
	e := newTestEngine(t, nil)
	node := &stackWalkingNode{deoptFirst: true}
	target := newProgram(e, "nested", NewFrameDescriptor(), node)

	ran := false
	node.inCompiled = func(th *Thread, frame *Frame) {
		ran = true
		if d := th.Depth(); d != 3 {
			t.Errorf("Depth = %d, want 3 (call, OSR, nested OSR)", d)
		}
		var frames []FrameInstance
		th.IterateFrames(0, func(fi FrameInstance) bool {
			frames = append(frames, fi)
			return true
		})
		if len(frames) != 1 {
			t.Fatalf("Expected 1 logical frame, got %d", len(frames))
		}
		if frames[0].CallTarget() != target {
			t.Errorf("CallTarget = %v, want %v", frames[0].CallTarget(), target)
		}
		if frames[0].Frame() != frame {
			t.Error("the walk should report the newest OSR frame")
		}
		if !frames[0].IsCompiled() {
			t.Error("the newest OSR activation runs compiled code")
		}
	}

	if got := target.Call(e.NewThread()); got != 42 {
		t.Fatalf("Expected 42, got %v", got)
	}
	if !ran {
		t.Fatal("loop never ran compiled")
	}
	if n := e.Stats().OSREntries; n != 2 {
		t.Errorf("Expected 2 OSR entries, got %d", n)
	}
}
