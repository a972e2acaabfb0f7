package vm

import (
	"fmt"
	"math"
)

// Frame is the slot storage and arguments of one activation. Each slot has
// a primitive cell and an object cell; the tag says which one is live, and
// the other is always zero or nil so that a stale value never survives an
// overwrite of a different kind.
//
// Static slots are the exception: they carry no tag, and it is up to the
// interpreter (helped by a SlotKindPlan) to clear the other storage.
//
// A Frame is owned by one activation and is not safe for concurrent use.
type Frame struct {
	desc  *FrameDescriptor
	args  []any
	tags  []SlotKind
	prims []uint64
	objs  []any

	// set on frames created by the OSR dispatcher
	osr *osrContext
}

// NewFrame creates a frame laid out by desc. Every tagged slot starts as
// an object slot holding the descriptor's default value.
func NewFrame(desc *FrameDescriptor, args ...any) *Frame {
	f := &Frame{desc: desc, args: args}
	f.grow()
	return f
}

func (f *Frame) grow() {
	kinds, _ := f.desc.layout()
	if len(kinds) <= len(f.tags) {
		return
	}
	def := f.desc.DefaultValue()
	for i := len(f.tags); i < len(kinds); i++ {
		tag := KindObject
		if kinds[i] == KindStatic {
			tag = KindStatic
		}
		f.tags = append(f.tags, tag)
		f.prims = append(f.prims, 0)
		f.objs = append(f.objs, def)
	}
}

func (f *Frame) slot(i int) {
	if i >= len(f.tags) {
		f.grow()
		if i >= len(f.tags) {
			panic(fmt.Sprintf("vm: frame slot %d out of range (%d slots)", i, len(f.tags)))
		}
	}
}

func (f *Frame) read(i int, kind SlotKind) (uint64, error) {
	f.slot(i)
	if tag := f.tags[i]; tag != kind {
		return 0, &FrameSlotTypeError{Slot: i, Expected: kind, Actual: tag}
	}
	return f.prims[i], nil
}

func (f *Frame) writePrim(i int, kind SlotKind, bits uint64) {
	f.slot(i)
	if f.tags[i] == KindStatic {
		panic(fmt.Sprintf("vm: tagged write of %s to static slot %d", kind, i))
	}
	f.tags[i] = kind
	f.prims[i] = bits
	f.objs[i] = nil
}

// Descriptor returns the layout the frame was created from.
func (f *Frame) Descriptor() *FrameDescriptor {
	return f.desc
}

// Args returns the argument values of the activation.
func (f *Frame) Args() []any {
	return f.args
}

// Tag returns the runtime tag of slot i.
func (f *Frame) Tag(i int) SlotKind {
	f.slot(i)
	return f.tags[i]
}

// Is reports whether slot i currently holds a value of the given kind.
func (f *Frame) Is(i int, kind SlotKind) bool {
	return f.Tag(i) == kind
}

func (f *Frame) GetObject(i int) (any, error) {
	f.slot(i)
	if tag := f.tags[i]; tag != KindObject {
		return nil, &FrameSlotTypeError{Slot: i, Expected: KindObject, Actual: tag}
	}
	return f.objs[i], nil
}

func (f *Frame) SetObject(i int, v any) {
	f.slot(i)
	if f.tags[i] == KindStatic {
		panic(fmt.Sprintf("vm: tagged write of object to static slot %d", i))
	}
	f.tags[i] = KindObject
	f.prims[i] = 0
	f.objs[i] = v
}

func (f *Frame) GetLong(i int) (int64, error) {
	bits, err := f.read(i, KindLong)
	return int64(bits), err
}

func (f *Frame) SetLong(i int, v int64) {
	f.writePrim(i, KindLong, uint64(v))
}

func (f *Frame) GetInt(i int) (int32, error) {
	bits, err := f.read(i, KindInt)
	return int32(bits), err
}

func (f *Frame) SetInt(i int, v int32) {
	f.writePrim(i, KindInt, uint64(int64(v)))
}

func (f *Frame) GetDouble(i int) (float64, error) {
	bits, err := f.read(i, KindDouble)
	return math.Float64frombits(bits), err
}

func (f *Frame) SetDouble(i int, v float64) {
	f.writePrim(i, KindDouble, math.Float64bits(v))
}

func (f *Frame) GetFloat(i int) (float32, error) {
	bits, err := f.read(i, KindFloat)
	return math.Float32frombits(uint32(bits)), err
}

func (f *Frame) SetFloat(i int, v float32) {
	f.writePrim(i, KindFloat, uint64(math.Float32bits(v)))
}

func (f *Frame) GetBoolean(i int) (bool, error) {
	bits, err := f.read(i, KindBoolean)
	return bits != 0, err
}

func (f *Frame) SetBoolean(i int, v bool) {
	var bits uint64
	if v {
		bits = 1
	}
	f.writePrim(i, KindBoolean, bits)
}

func (f *Frame) GetByte(i int) (int8, error) {
	bits, err := f.read(i, KindByte)
	return int8(bits), err
}

func (f *Frame) SetByte(i int, v int8) {
	f.writePrim(i, KindByte, uint64(int64(v)))
}

// Clear marks slot i as holding nothing. Any typed read fails until the
// slot is written again.
func (f *Frame) Clear(i int) {
	f.slot(i)
	if f.tags[i] == KindStatic {
		panic(fmt.Sprintf("vm: Clear on static slot %d", i))
	}
	f.tags[i] = KindIllegal
	f.prims[i] = 0
	f.objs[i] = nil
}

// Value returns slot i boxed according to its tag. Cleared slots read as
// nil.
func (f *Frame) Value(i int) any {
	f.slot(i)
	bits := f.prims[i]
	switch f.tags[i] {
	case KindObject:
		return f.objs[i]
	case KindLong:
		return int64(bits)
	case KindInt:
		return int32(bits)
	case KindDouble:
		return math.Float64frombits(bits)
	case KindFloat:
		return math.Float32frombits(uint32(bits))
	case KindBoolean:
		return bits != 0
	case KindByte:
		return int8(bits)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Static slots
// ----------------------------------------------------------------------------

func (f *Frame) static(i int) {
	f.slot(i)
	if f.tags[i] != KindStatic {
		panic(fmt.Sprintf("vm: static access to tagged slot %d", i))
	}
}

func (f *Frame) GetObjectStatic(i int) any {
	f.static(i)
	return f.objs[i]
}

// SetObjectStatic stores into the object cell only.
func (f *Frame) SetObjectStatic(i int, v any) {
	f.static(i)
	f.objs[i] = v
}

func (f *Frame) GetLongStatic(i int) int64 {
	f.static(i)
	return int64(f.prims[i])
}

// SetLongStatic stores into the primitive cell only.
func (f *Frame) SetLongStatic(i int, v int64) {
	f.static(i)
	f.prims[i] = uint64(v)
}

func (f *Frame) GetIntStatic(i int) int32 {
	f.static(i)
	return int32(f.prims[i])
}

func (f *Frame) SetIntStatic(i int, v int32) {
	f.static(i)
	f.prims[i] = uint64(int64(v))
}

func (f *Frame) GetDoubleStatic(i int) float64 {
	f.static(i)
	return math.Float64frombits(f.prims[i])
}

func (f *Frame) SetDoubleStatic(i int, v float64) {
	f.static(i)
	f.prims[i] = math.Float64bits(v)
}

func (f *Frame) GetFloatStatic(i int) float32 {
	f.static(i)
	return math.Float32frombits(uint32(f.prims[i]))
}

func (f *Frame) SetFloatStatic(i int, v float32) {
	f.static(i)
	f.prims[i] = uint64(math.Float32bits(v))
}

func (f *Frame) GetBooleanStatic(i int) bool {
	f.static(i)
	return f.prims[i] != 0
}

func (f *Frame) SetBooleanStatic(i int, v bool) {
	f.static(i)
	f.prims[i] = 0
	if v {
		f.prims[i] = 1
	}
}

func (f *Frame) GetByteStatic(i int) int8 {
	f.static(i)
	return int8(f.prims[i])
}

func (f *Frame) SetByteStatic(i int, v int8) {
	f.static(i)
	f.prims[i] = uint64(int64(v))
}

// ClearPrimitiveStatic zeroes the primitive cell of a static slot.
func (f *Frame) ClearPrimitiveStatic(i int) {
	f.static(i)
	f.prims[i] = 0
}

// ClearObjectStatic drops the object cell of a static slot.
func (f *Frame) ClearObjectStatic(i int) {
	f.static(i)
	f.objs[i] = nil
}

// ClearStatic clears both cells of a static slot.
func (f *Frame) ClearStatic(i int) {
	f.static(i)
	f.prims[i] = 0
	f.objs[i] = nil
}

// copySlot moves slot i from src to dst, preserving kind. Both cells
// are copied; for tagged slots the dead cell is already zero.
func copySlot(src, dst *Frame, i int) {
	dst.tags[i] = src.tags[i]
	dst.prims[i] = src.prims[i]
	dst.objs[i] = src.objs[i]
}
