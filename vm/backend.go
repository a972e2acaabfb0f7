package vm

import (
	"context"
	"errors"
)

// Program is what the engine hands to a Backend for one loop entry.
type Program struct {
	Node        OSRNode
	Target      int
	Descriptor  *FrameDescriptor
	Tags        []SlotKind // speculated tags of the parent frame at entry
	Assumptions []*Assumption
}

// Backend compiles loop bodies. Returning a *Bailout classifies the
// failure; any other error is treated as a permanent backend fault.
type Backend interface {
	Compile(ctx context.Context, p *Program) (OSRCode, error)
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, p *Program) (OSRCode, error)

func (f BackendFunc) Compile(ctx context.Context, p *Program) (OSRCode, error) {
	return f(ctx, p)
}

// Compilable is implemented by nodes that can refuse compilation of a
// target. A non-nil error becomes a bailout.
type Compilable interface {
	CheckCompilable(target int) error
}

// CodeProvider is implemented by nodes that produce specialized code for
// a target instead of re-entering ExecuteOSR.
type CodeProvider interface {
	CompileOSR(p *Program) (OSRCode, error)
}

// ClosureBackend is the default backend. It builds closures: either the
// node's own CodeProvider output or a thunk that runs ExecuteOSR under a
// compiled activation.
type ClosureBackend struct{}

func (ClosureBackend) Compile(ctx context.Context, p *Program) (OSRCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Bailout{Reason: "compilation cancelled", Err: err}
	}
	if c, ok := p.Node.(Compilable); ok {
		if err := c.CheckCompilable(p.Target); err != nil {
			var b *Bailout
			if errors.As(err, &b) {
				return nil, err
			}
			return nil, &Bailout{Permanent: true, Reason: "node is not compilable", Err: err}
		}
	}
	if cp, ok := p.Node.(CodeProvider); ok {
		return cp.CompileOSR(p)
	}
	node := p.Node
	return func(t *Thread, osrFrame *Frame, target int, state any) Outcome {
		return Return(node.ExecuteOSR(t, osrFrame, target, state))
	}, nil
}
