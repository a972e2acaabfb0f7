package bytecode

// Sample is a named reference program.
type Sample struct {
	Name    string
	Code    []byte
	NumRegs int
	Doc     string
}

// Triple returns 3*r0 using a single loop with its header at 0.
var Triple = Sample{
	Name: "triple",
	Code: Encode(
		Dec(0),
		Inc(2),
		Inc(2),
		Inc(2),
		JumpNonZero(0, -8),
		Ret(2),
	),
	NumRegs: 3,
	Doc:     "r2 = 3 * r0; one loop, OSR target 0",
}

// Multiply returns r0*r1 using a nested loop. The outer loop header is at
// 0 and the inner one at 5.
var Multiply = Sample{
	Name: "multiply",
	Code: Encode(
		Dec(0),
		Copy(1, 2),
		Dec(2),
		Inc(3),
		JumpNonZero(2, -4),
		JumpNonZero(0, -12),
		Ret(3),
	),
	NumRegs: 4,
	Doc:     "r3 = r0 * r1; outer loop OSR target 0, inner loop OSR target 5",
}

// Samples lists the reference programs by name.
var Samples = map[string]Sample{
	Triple.Name:   Triple,
	Multiply.Name: Multiply,
}
