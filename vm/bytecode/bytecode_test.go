package bytecode

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/chazu/looptier/vm"
	"golang.org/x/sync/errgroup"
)

const (
	pollInterval = 64
	threshold    = 10 * pollInterval
)

func newEngine(t *testing.T, cfgFn func(*vm.Config)) *vm.Engine {
	t.Helper()
	cfg := vm.DefaultConfig()
	cfg.OSRPollInterval = pollInterval
	cfg.OSRCompilationThreshold = threshold
	cfg.BackgroundCompilation = false
	cfg.MaxCompilationReAttempts = 1
	cfg.FailOnMaxReAttempts = true
	if cfgFn != nil {
		cfgFn(&cfg)
	}
	e, err := vm.NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Stop)
	return e
}

func newSample(t *testing.T, e *vm.Engine, s Sample) (*vm.CallTarget, *Node) {
	t.Helper()
	target, node, err := NewCallTarget(e, s.Name, s.Code, s.NumRegs)
	if err != nil {
		t.Fatalf("NewCallTarget(%s): %v", s.Name, err)
	}
	return target, node
}

func compiledTargets(n *Node) []int {
	m := n.OSRMetadata()
	if m == nil {
		return nil
	}
	var out []int
	for target := range m.Compilations() {
		out = append(out, target)
	}
	sort.Ints(out)
	return out
}

func TestTripleCompilesLoop(t *testing.T) {
	e := newEngine(t, nil)
	target, node := newSample(t, e, Triple)

	if got := target.Call(e.NewThread(), threshold+2); got != int32(3*(threshold+2)) {
		t.Fatalf("triple(%d) = %v, want %d", threshold+2, got, 3*(threshold+2))
	}
	if got := compiledTargets(node); !slices.Equal(got, []int{0}) {
		t.Errorf("compiled targets = %v, want [0]", got)
	}
	if n := e.Stats().OSREntries; n != 1 {
		t.Errorf("Expected 1 OSR entry, got %d", n)
	}
}

func TestTripleBelowThreshold(t *testing.T) {
	e := newEngine(t, nil)
	target, node := newSample(t, e, Triple)

	if got := target.Call(e.NewThread(), threshold); got != int32(3*threshold) {
		t.Fatalf("triple(%d) = %v, want %d", threshold, got, 3*threshold)
	}
	if got := compiledTargets(node); len(got) != 0 {
		t.Errorf("Expected no compilation, got %v", got)
	}
}

func TestMultiplyCompilesOuterLoop(t *testing.T) {
	e := newEngine(t, nil)
	target, node := newSample(t, e, Multiply)

	if got := target.Call(e.NewThread(), threshold, 2); got != int32(2*threshold) {
		t.Fatalf("multiply(%d, 2) = %v, want %d", threshold, got, 2*threshold)
	}
	if got := compiledTargets(node); !slices.Equal(got, []int{0}) {
		t.Errorf("compiled targets = %v, want [0]", got)
	}
}

func TestMultiplyCompilesInnerLoop(t *testing.T) {
	e := newEngine(t, nil)
	target, node := newSample(t, e, Multiply)

	if got := target.Call(e.NewThread(), 2, threshold-1); got != int32(2*(threshold-1)) {
		t.Fatalf("multiply(2, %d) = %v, want %d", threshold-1, got, 2*(threshold-1))
	}
	if got := compiledTargets(node); !slices.Equal(got, []int{5}) {
		t.Errorf("compiled targets = %v, want [5]", got)
	}
}

func TestResultsDoNotDependOnTier(t *testing.T) {
	e := newEngine(t, nil)
	triple, _ := newSample(t, e, Triple)
	multiply, _ := newSample(t, e, Multiply)
	th := e.NewThread()

	for n := 1; n < 3*threshold; n += 37 {
		if got := triple.Call(th, n); got != int32(3*n) {
			t.Fatalf("triple(%d) = %v", n, got)
		}
		if got := multiply.Call(th, n, 3); got != int32(3*n) {
			t.Fatalf("multiply(%d, 3) = %v", n, got)
		}
	}
	if e.Stats().OSREntries == 0 {
		t.Error("Expected some calls to run compiled")
	}
}

func TestInterpreterOnlyWhenOSRDisabled(t *testing.T) {
	e := newEngine(t, func(c *vm.Config) { c.OSR = false })
	target, node := newSample(t, e, Multiply)

	if got := target.Call(e.NewThread(), threshold, threshold); got != int32(threshold*threshold) {
		t.Fatalf("multiply = %v, want %d", got, threshold*threshold)
	}
	if got := compiledTargets(node); len(got) != 0 {
		t.Errorf("Expected no compilation, got %v", got)
	}
}

func TestDeoptimizedCodeResumesInInterpreter(t *testing.T) {
	e := newEngine(t, func(c *vm.Config) {
		c.MaxCompilationReAttempts = 30
		c.FailOnMaxReAttempts = false
	})
	target, node := newSample(t, e, Multiply)

	const outer, inner = 300, 100000
	var result any
	var g errgroup.Group
	g.Go(func() error {
		result = target.Call(e.NewThread(), outer, inner)
		return nil
	})
	g.Go(func() error {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if m := node.OSRMetadata(); m != nil {
				for _, unit := range m.Compilations() {
					if unit.Invalidate("test invalidation") {
						return nil
					}
				}
			}
			time.Sleep(time.Millisecond)
		}
		return errors.New("no compiled unit appeared")
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	// Whether the invalidation lands before or after the loop finishes,
	// the result must be the same.
	if result != int32(outer*inner) {
		t.Errorf("multiply = %v, want %d", result, outer*inner)
	}
}

func TestCheckCompilableRejectsNonHeaders(t *testing.T) {
	node, err := NewNode("triple", vm.NewFrameDescriptor(), Triple.Code, Triple.NumRegs)
	if err != nil {
		t.Fatal(err)
	}
	if err := node.CheckCompilable(0); err != nil {
		t.Errorf("0 is a loop header: %v", err)
	}
	err = node.CheckCompilable(2)
	var b *vm.Bailout
	if !errors.As(err, &b) || !b.Permanent {
		t.Errorf("Expected a permanent bailout for a non-header, got %v", err)
	}
}

func TestNewNodeRejectsBadPrograms(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		regs int
		want string
	}{
		{"empty", nil, 1, "empty program"},
		{"unknown opcode", []byte{9, 0}, 1, "unknown opcode"},
		{"truncated", []byte{byte(OpJmpNonZero), 0}, 1, "truncated"},
		{"jump into operands", Encode(Dec(0), JumpNonZero(0, -1), Ret(0)), 1, "not an instruction"},
		{"falls off the end", Encode(Dec(0)), 1, "falls off the end"},
		{"register out of range", Encode(Inc(3), Ret(0)), 2, "outside r0-r1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewNode(tt.name, vm.NewFrameDescriptor(), tt.code, tt.regs)
			if !errors.Is(err, ErrInvalidBytecode) {
				t.Fatalf("Expected ErrInvalidBytecode, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoopHeaders(t *testing.T) {
	instrs, err := Decode(Multiply.Code)
	if err != nil {
		t.Fatal(err)
	}
	if got := LoopHeaders(instrs); !slices.Equal(got, []int{0, 5}) {
		t.Errorf("LoopHeaders = %v, want [0 5]", got)
	}
}

func TestDisassemble(t *testing.T) {
	got, err := Disassemble(Triple.Code)
	if err != nil {
		t.Fatal(err)
	}
	want := `loop0:
   0  DEC r0
   2  INC r2
   4  INC r2
   6  INC r2
   8  JMPNONZERO r0 -8  ; -> 0 (back-edge)
  11  RETURN r2
`
	if got != want {
		t.Errorf("Disassemble:\n%s\nwant:\n%s", got, want)
	}
}
