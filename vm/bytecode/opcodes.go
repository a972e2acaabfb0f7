// Package bytecode is a small register-machine interpreter whose backward
// jumps are OSR back-edges. It exists to drive the vm package end to end:
// the loops are interpreted, polled, compiled to closures and entered
// mid-iteration like those of any real guest language.
package bytecode

import (
	"errors"
	"fmt"
	"sort"
)

// Op is an opcode. Every instruction is the opcode byte followed by its
// operand bytes.
type Op byte

const (
	OpReturn     Op = iota // RETURN r: return r
	OpInc                  // INC r: r++
	OpDec                  // DEC r: r--
	OpJmpNonZero           // JMPNONZERO r off: if r != 0 jump by off (signed, from the jump itself)
	OpCopy                 // COPY src dst: dst = src
)

var opNames = [...]string{
	OpReturn:     "RETURN",
	OpInc:        "INC",
	OpDec:        "DEC",
	OpJmpNonZero: "JMPNONZERO",
	OpCopy:       "COPY",
}

var opOperands = [...]int{
	OpReturn:     1,
	OpInc:        1,
	OpDec:        1,
	OpJmpNonZero: 2,
	OpCopy:       2,
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("OP(%d)", byte(op))
}

func (op Op) valid() bool {
	return int(op) < len(opNames)
}

// ErrInvalidBytecode is wrapped by every decoding error.
var ErrInvalidBytecode = errors.New("invalid bytecode")

// Instr is one decoded instruction. For OpJmpNonZero, B is the signed
// offset; for OpCopy it is the destination register.
type Instr struct {
	BCI int
	Op  Op
	A   int
	B   int
}

// Size is the encoded length of the instruction.
func (in Instr) Size() int {
	return 1 + opOperands[in.Op]
}

// Dest is the bytecode index a jump goes to when taken.
func (in Instr) Dest() int {
	return in.BCI + in.B
}

// IsBackEdge reports whether the instruction is a backward jump.
func (in Instr) IsBackEdge() bool {
	return in.Op == OpJmpNonZero && in.B < 0
}

func (in Instr) String() string {
	switch in.Op {
	case OpJmpNonZero:
		return fmt.Sprintf("%s r%d %+d", in.Op, in.A, in.B)
	case OpCopy:
		return fmt.Sprintf("%s r%d r%d", in.Op, in.A, in.B)
	}
	return fmt.Sprintf("%s r%d", in.Op, in.A)
}

func Ret(r int) Instr              { return Instr{Op: OpReturn, A: r} }
func Inc(r int) Instr              { return Instr{Op: OpInc, A: r} }
func Dec(r int) Instr              { return Instr{Op: OpDec, A: r} }
func JumpNonZero(r, off int) Instr { return Instr{Op: OpJmpNonZero, A: r, B: off} }
func Copy(src, dst int) Instr      { return Instr{Op: OpCopy, A: src, B: dst} }

// Encode assembles instructions. BCI fields are ignored.
func Encode(instrs ...Instr) []byte {
	var out []byte
	for _, in := range instrs {
		out = append(out, byte(in.Op), byte(in.A))
		if opOperands[in.Op] == 2 {
			out = append(out, byte(int8(in.B)))
		}
	}
	return out
}

// Decode splits code into instructions and checks that every jump lands
// on an instruction boundary.
func Decode(code []byte) ([]Instr, error) {
	var instrs []Instr
	starts := make(map[int]bool)
	for bci := 0; bci < len(code); {
		op := Op(code[bci])
		if !op.valid() {
			return nil, fmt.Errorf("%w: unknown opcode %d at %d", ErrInvalidBytecode, code[bci], bci)
		}
		in := Instr{BCI: bci, Op: op}
		if bci+in.Size() > len(code) {
			return nil, fmt.Errorf("%w: truncated %s at %d", ErrInvalidBytecode, op, bci)
		}
		in.A = int(code[bci+1])
		if opOperands[op] == 2 {
			if op == OpJmpNonZero {
				in.B = int(int8(code[bci+2]))
			} else {
				in.B = int(code[bci+2])
			}
		}
		instrs = append(instrs, in)
		starts[bci] = true
		bci += in.Size()
	}
	if len(instrs) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrInvalidBytecode)
	}
	for _, in := range instrs {
		if in.Op == OpJmpNonZero && !starts[in.Dest()] {
			return nil, fmt.Errorf("%w: jump at %d to %d is not an instruction", ErrInvalidBytecode, in.BCI, in.Dest())
		}
	}
	if last := instrs[len(instrs)-1]; last.Op != OpReturn {
		return nil, fmt.Errorf("%w: execution falls off the end after %d", ErrInvalidBytecode, last.BCI)
	}
	return instrs, nil
}

// LoopHeaders returns the targets of backward jumps in ascending order.
// They are the OSR targets of a program.
func LoopHeaders(instrs []Instr) []int {
	seen := make(map[int]bool)
	var out []int
	for _, in := range instrs {
		if in.IsBackEdge() && !seen[in.Dest()] {
			seen[in.Dest()] = true
			out = append(out, in.Dest())
		}
	}
	sort.Ints(out)
	return out
}
