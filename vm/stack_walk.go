package vm

// FrameInstance is one logical activation reported by a stack walk. OSR
// activations never appear on their own: their frame is reported as the
// frame of the call they belong to.
type FrameInstance struct {
	target   *CallTarget
	frame    *Frame
	osr      bool
	compiled bool
}

// CallTarget is the target of the logical call. It is never an OSR
// target.
func (fi FrameInstance) CallTarget() *CallTarget {
	return fi.target
}

// Frame is the live frame of the call: the newest OSR frame if the call
// is inside an OSR activation, its own frame otherwise.
func (fi FrameInstance) Frame() *Frame {
	return fi.frame
}

// InOSR reports whether the call is currently running in an OSR
// activation.
func (fi FrameInstance) InOSR() bool {
	return fi.osr
}

// IsCompiled reports whether the newest OSR activation of the call runs
// compiled code.
func (fi FrameInstance) IsCompiled() bool {
	return fi.compiled
}

// IterateFrames walks the logical stack from the newest call to the
// oldest, skipping the first skip calls. visit returns false to stop.
//
// OSR activations sit above the activation of the call they were entered
// from. The walk remembers the newest one and hands its frame out with
// the regular activation below, so nested OSR collapses into one entry
// carrying the most recent state.
func (t *Thread) IterateFrames(skip int, visit func(FrameInstance) bool) {
	var osr *activation
	for i := len(t.stack) - 1; i >= 0; i-- {
		a := t.stack[i]
		if a.isOSR() {
			if osr == nil {
				osr = a
			}
			continue
		}

		fi := FrameInstance{target: a.target, frame: a.frame}
		if osr != nil {
			fi.frame = osr.frame
			fi.osr = true
			fi.compiled = osr.compiled && osr.code.isValid()
			osr = nil
		}
		if skip > 0 {
			skip--
			continue
		}
		if !visit(fi) {
			return
		}
	}
}

// CurrentFrame returns the innermost logical call.
func (t *Thread) CurrentFrame() (FrameInstance, bool) {
	return t.nthFrame(0)
}

// CallerFrame returns the logical call that called the current one.
func (t *Thread) CallerFrame() (FrameInstance, bool) {
	return t.nthFrame(1)
}

func (t *Thread) nthFrame(n int) (FrameInstance, bool) {
	var out FrameInstance
	found := false
	t.IterateFrames(n, func(fi FrameInstance) bool {
		out, found = fi, true
		return false
	})
	return out, found
}

// StackTrace returns the call targets of the logical stack, newest first.
func (t *Thread) StackTrace() []*CallTarget {
	var out []*CallTarget
	t.IterateFrames(0, func(fi FrameInstance) bool {
		out = append(out, fi.target)
		return true
	})
	return out
}
