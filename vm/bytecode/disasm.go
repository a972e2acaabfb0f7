package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble renders code one instruction per line. Loop headers are
// labelled with the OSR target they correspond to and jumps show their
// destination.
func Disassemble(code []byte) (string, error) {
	instrs, err := Decode(code)
	if err != nil {
		return "", err
	}
	headers := make(map[int]bool)
	for _, h := range LoopHeaders(instrs) {
		headers[h] = true
	}

	var sb strings.Builder
	for _, in := range instrs {
		if headers[in.BCI] {
			fmt.Fprintf(&sb, "loop%d:\n", in.BCI)
		}
		fmt.Fprintf(&sb, "%4d  %s", in.BCI, in)
		if in.Op == OpJmpNonZero {
			fmt.Fprintf(&sb, "  ; -> %d", in.Dest())
			if in.IsBackEdge() {
				sb.WriteString(" (back-edge)")
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
