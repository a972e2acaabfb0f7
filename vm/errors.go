package vm

import (
	"errors"
	"fmt"
)

var (
	// ErrFrameSlotType is matched by every slot read whose tag disagrees
	// with the requested kind.
	ErrFrameSlotType = errors.New("frame slot type mismatch")

	// ErrIllegalSlot is matched by reads of cleared slots.
	ErrIllegalSlot = errors.New("frame slot is cleared")
)

// FrameSlotTypeError reports a typed read that does not match the slot tag.
type FrameSlotTypeError struct {
	Slot     int
	Expected SlotKind
	Actual   SlotKind
}

func (e *FrameSlotTypeError) Error() string {
	if e.Actual == KindIllegal {
		return fmt.Sprintf("frame slot %d: read as %s but slot is cleared", e.Slot, e.Expected)
	}
	return fmt.Sprintf("frame slot %d: read as %s but holds %s", e.Slot, e.Expected, e.Actual)
}

func (e *FrameSlotTypeError) Is(target error) bool {
	switch target {
	case ErrFrameSlotType:
		return true
	case ErrIllegalSlot:
		return e.Actual == KindIllegal
	}
	return false
}

// Bailout is returned by a Backend that declines to compile. A permanent
// bailout disables OSR for the node; a transient one leaves the target
// eligible for another attempt on a later poll.
type Bailout struct {
	Permanent bool
	Reason    string
	Err       error
}

func (b *Bailout) Error() string {
	kind := "transient"
	if b.Permanent {
		kind = "permanent"
	}
	if b.Err != nil {
		return fmt.Sprintf("%s bailout: %s: %v", kind, b.Reason, b.Err)
	}
	return fmt.Sprintf("%s bailout: %s", kind, b.Reason)
}

func (b *Bailout) Unwrap() error {
	return b.Err
}

// PermanentBailout builds a permanent bailout.
func PermanentBailout(reason string) *Bailout {
	return &Bailout{Permanent: true, Reason: reason}
}

// TransientBailout builds a retryable bailout.
func TransientBailout(reason string) *Bailout {
	return &Bailout{Reason: reason}
}

// isPermanent classifies a compile error. Errors that are not a Bailout
// are backend faults and count as permanent.
func isPermanent(err error) bool {
	var b *Bailout
	if errors.As(err, &b) {
		return b.Permanent
	}
	return true
}

// MaxReAttemptsError is the panic value raised by a poll when a target
// keeps getting invalidated and FailOnMaxReAttempts is set.
type MaxReAttemptsError struct {
	Node     string
	Target   int
	Attempts int
}

func (e *MaxReAttemptsError) Error() string {
	return fmt.Sprintf("max OSR compilation re-attempts reached for %s target %d (%d attempts)", e.Node, e.Target, e.Attempts)
}
