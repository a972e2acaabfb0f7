package vm

// Slot kind analysis for static slots.
//
// Static slots have no runtime tag, so writing a primitive does not clear
// the object cell and vice versa. That is only sound when every value a
// later read can observe was written with the same kind. The analysis is
// a forward dataflow pass over the interpreter's control flow graph:
//
//  1. Each block maps every slot to the set of kinds that may reach its
//     entry (a bitmask over SlotKind).
//  2. A write replaces the set for its slot with the written kind.
//  3. At control flow merges the incoming sets are unioned.
//
// A slot written with a single kind everywhere never needs clearing. For
// any other slot, every merge block where more than one kind can arrive
// must clear both cells of the slot on entry.

// SlotWrite is a write of one kind to one static slot.
type SlotWrite struct {
	Slot int
	Kind SlotKind
}

// FlowBlock is a basic block: the writes it performs, in order, and the
// indices of its successor blocks. Block 0 is the entry.
type FlowBlock struct {
	Writes []SlotWrite
	Succs  []int
}

// SlotClearing classifies one slot.
type SlotClearing uint8

const (
	SlotUnused SlotClearing = iota
	SlotSingleKind
	SlotClearAtMerges
)

func (c SlotClearing) String() string {
	switch c {
	case SlotUnused:
		return "unused"
	case SlotSingleKind:
		return "single-kind"
	case SlotClearAtMerges:
		return "clear-at-merges"
	}
	return "unknown"
}

// SlotKindPlan is the result of AnalyzeSlotKinds.
type SlotKindPlan struct {
	slots  []SlotClearing
	kinds  []SlotKind
	merges map[int][]int // block -> slots to clear on entry
}

// SlotKindOracle is implemented by OSR nodes that can describe their
// static slots. Frame transfer then copies only the cell a single-kind
// slot uses.
type SlotKindOracle interface {
	SlotKindPlan() *SlotKindPlan
}

type kindSet uint16

func (s kindSet) single() bool {
	return s != 0 && s&(s-1) == 0
}

// AnalyzeSlotKinds runs the analysis for numSlots slots over blocks.
func AnalyzeSlotKinds(numSlots int, blocks []FlowBlock) *SlotKindPlan {
	plan := &SlotKindPlan{
		slots:  make([]SlotClearing, numSlots),
		kinds:  make([]SlotKind, numSlots),
		merges: make(map[int][]int),
	}

	// Classify slots by the kinds written anywhere.
	written := make([]kindSet, numSlots)
	for _, b := range blocks {
		for _, w := range b.Writes {
			written[w.Slot] |= 1 << w.Kind
			plan.kinds[w.Slot] = w.Kind
		}
	}
	for i, s := range written {
		switch {
		case s == 0:
			plan.slots[i] = SlotUnused
		case s.single():
			plan.slots[i] = SlotSingleKind
		default:
			plan.slots[i] = SlotClearAtMerges
		}
	}

	if len(blocks) == 0 {
		return plan
	}

	preds := make([]int, len(blocks))
	for _, b := range blocks {
		for _, s := range b.Succs {
			preds[s]++
		}
	}

	in := make([][]kindSet, len(blocks))
	for i := range in {
		in[i] = make([]kindSet, numSlots)
	}
	out := make([]kindSet, numSlots)
	work := []int{0}
	queued := make([]bool, len(blocks))
	queued[0] = true

	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		queued[b] = false

		copy(out, in[b])
		for _, w := range blocks[b].Writes {
			out[w.Slot] = 1 << w.Kind
		}
		for _, s := range blocks[b].Succs {
			changed := false
			for i, k := range out {
				if merged := in[s][i] | k; merged != in[s][i] {
					in[s][i] = merged
					changed = true
				}
			}
			if changed && !queued[s] {
				work = append(work, s)
				queued[s] = true
			}
		}
	}

	for b := range blocks {
		if preds[b] < 2 {
			continue
		}
		for slot, s := range in[b] {
			if plan.slots[slot] == SlotClearAtMerges && s != 0 && !s.single() {
				plan.merges[b] = append(plan.merges[b], slot)
			}
		}
	}
	return plan
}

// Slot returns the classification of a slot.
func (p *SlotKindPlan) Slot(i int) SlotClearing {
	if i >= len(p.slots) {
		return SlotUnused
	}
	return p.slots[i]
}

// SingleKind returns the only kind ever written to the slot.
func (p *SlotKindPlan) SingleKind(i int) (SlotKind, bool) {
	if p.Slot(i) != SlotSingleKind {
		return KindIllegal, false
	}
	return p.kinds[i], true
}

// NeedsClear reports whether writes to the slot must clear the other cell.
func (p *SlotKindPlan) NeedsClear(i int) bool {
	return p.Slot(i) == SlotClearAtMerges
}

// ClearsAt returns the slots to clear on entry to a block.
func (p *SlotKindPlan) ClearsAt(block int) []int {
	return p.merges[block]
}

// EnterBlock clears the static slots the plan requires on entry to block.
func (p *SlotKindPlan) EnterBlock(f *Frame, block int) {
	for _, slot := range p.merges[block] {
		f.ClearStatic(slot)
	}
}
