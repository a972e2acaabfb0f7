package bytecode

import (
	"fmt"

	"github.com/chazu/looptier/vm"
	"github.com/tliron/commonlog"
)

var logger = commonlog.GetLogger("looptier.bytecode")

// Node interprets one bytecode program. Registers live in consecutive int
// slots of the frame, so they cross the OSR boundary with the default
// frame transfer. The OSR target of a loop is the bytecode index its
// backward jump lands on.
type Node struct {
	vm.OSRNodeBase

	name    string
	code    []byte
	instrs  []Instr
	index   []int // bci -> position in instrs, -1 inside operands
	regs    int   // first register slot
	numRegs int
}

// NewNode decodes code and allocates numRegs register slots in desc.
func NewNode(name string, desc *vm.FrameDescriptor, code []byte, numRegs int) (*Node, error) {
	instrs, err := Decode(code)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	for _, in := range instrs {
		if in.A >= numRegs || (in.Op == OpCopy && in.B >= numRegs) {
			return nil, fmt.Errorf("decoding %s: %w: %s at %d uses a register outside r0-r%d",
				name, ErrInvalidBytecode, in, in.BCI, numRegs-1)
		}
	}

	index := make([]int, len(code))
	for i := range index {
		index[i] = -1
	}
	for i, in := range instrs {
		index[in.BCI] = i
	}
	return &Node{
		name:    name,
		code:    code,
		instrs:  instrs,
		index:   index,
		regs:    desc.AddSlots(numRegs, vm.KindInt),
		numRegs: numRegs,
	}, nil
}

func (n *Node) String() string {
	return fmt.Sprintf("%s#%d", n.name, n.ID())
}

// Instructions returns the decoded program.
func (n *Node) Instructions() []Instr {
	return n.instrs
}

// Execute zeroes the registers, loads the arguments into r0, r1, ... and
// runs the program from the start.
func (n *Node) Execute(t *vm.Thread, frame *vm.Frame) any {
	args := frame.Args()
	for r := 0; r < n.numRegs; r++ {
		var v int32
		if r < len(args) {
			v = toInt32(args[r])
		}
		frame.SetInt(n.regs+r, v)
	}
	return n.executeFromBCI(t, frame, 0)
}

// ExecuteOSR resumes the interpreter at a loop header.
func (n *Node) ExecuteOSR(t *vm.Thread, osrFrame *vm.Frame, target int, interpreterState any) any {
	return n.executeFromBCI(t, osrFrame, target)
}

func (n *Node) executeFromBCI(t *vm.Thread, frame *vm.Frame, bci int) any {
	for {
		in := n.instrs[n.index[bci]]
		switch in.Op {
		case OpReturn:
			return n.reg(frame, in.A)
		case OpInc:
			n.setReg(frame, in.A, n.reg(frame, in.A)+1)
		case OpDec:
			n.setReg(frame, in.A, n.reg(frame, in.A)-1)
		case OpCopy:
			n.setReg(frame, in.B, n.reg(frame, in.A))
		case OpJmpNonZero:
			if n.reg(frame, in.A) == 0 {
				break
			}
			dest := in.Dest()
			if in.IsBackEdge() && vm.PollBackEdge(t, n) {
				if result, ok := vm.TryOSR(t, n, dest, nil, nil, frame); ok {
					return result
				}
			}
			bci = dest
			continue
		}
		bci += in.Size()
	}
}

func (n *Node) reg(frame *vm.Frame, r int) int32 {
	v, err := frame.GetInt(n.regs + r)
	if err != nil {
		panic(fmt.Sprintf("bytecode: register r%d: %v", r, err))
	}
	return v
}

func (n *Node) setReg(frame *vm.Frame, r int, v int32) {
	frame.SetInt(n.regs+r, v)
}

func toInt32(v any) int32 {
	switch v := v.(type) {
	case int:
		return int32(v)
	case int32:
		return v
	case int64:
		return int32(v)
	}
	panic(fmt.Sprintf("bytecode: argument %v (%T) is not an integer", v, v))
}

// root is the call target body: it only runs the program node.
type root struct {
	vm.NodeBase
	body *Node
}

func (r *root) Execute(t *vm.Thread, frame *vm.Frame) any {
	return r.body.Execute(t, frame)
}

// NewCallTarget builds a callable program on e. Arguments become the
// initial values of r0, r1, ...
func NewCallTarget(e *vm.Engine, name string, code []byte, numRegs int) (*vm.CallTarget, *Node, error) {
	desc := vm.NewFrameDescriptor()
	node, err := NewNode(name, desc, code, numRegs)
	if err != nil {
		return nil, nil, err
	}
	r := &root{body: node}
	vm.Adopt(r, node)
	return e.NewCallTarget(name, r, desc), node, nil
}
