package vm

import (
	"sync"
	"sync/atomic"
)

// SlotKind is both the declared kind of a frame slot and the runtime tag
// of the value it currently holds.
type SlotKind uint8

const (
	KindObject SlotKind = iota
	KindLong
	KindInt
	KindDouble
	KindFloat
	KindBoolean
	KindByte
	KindIllegal // cleared or not yet typed
	KindStatic  // untagged slot, accessed only through the static accessors
)

var kindNames = [...]string{
	KindObject:  "object",
	KindLong:    "long",
	KindInt:     "int",
	KindDouble:  "double",
	KindFloat:   "float",
	KindBoolean: "boolean",
	KindByte:    "byte",
	KindIllegal: "illegal",
	KindStatic:  "static",
}

func (k SlotKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// IsPrimitive reports whether values of this kind live in primitive storage.
func (k SlotKind) IsPrimitive() bool {
	return k >= KindLong && k <= KindByte
}

// SlotInfo describes one declared slot.
type SlotInfo struct {
	Name string
	Kind SlotKind
}

// FrameDescriptor is the shared layout of all frames for a call target.
// It may grow after frames have been created; frames catch up lazily on
// access, and the version lets speculation notice the change.
type FrameDescriptor struct {
	mu           sync.RWMutex
	slots        []SlotInfo
	defaultValue any
	version      atomic.Uint64
}

// NewFrameDescriptor creates an empty descriptor whose uninitialized
// slots read as nil.
func NewFrameDescriptor() *FrameDescriptor {
	return &FrameDescriptor{}
}

// NewFrameDescriptorWithDefault creates an empty descriptor whose
// uninitialized slots read as def.
func NewFrameDescriptorWithDefault(def any) *FrameDescriptor {
	return &FrameDescriptor{defaultValue: def}
}

// AddSlot appends a slot and returns its index.
func (d *FrameDescriptor) AddSlot(kind SlotKind, name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots = append(d.slots, SlotInfo{Name: name, Kind: kind})
	d.version.Add(1)
	return len(d.slots) - 1
}

// AddSlots appends n unnamed slots of one kind and returns the first index.
func (d *FrameDescriptor) AddSlots(n int, kind SlotKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	first := len(d.slots)
	for i := 0; i < n; i++ {
		d.slots = append(d.slots, SlotInfo{Kind: kind})
	}
	d.version.Add(1)
	return first
}

// Size returns the number of declared slots.
func (d *FrameDescriptor) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.slots)
}

// Slot returns the declaration of slot i.
func (d *FrameDescriptor) Slot(i int) SlotInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.slots[i]
}

// Kind returns the declared kind of slot i.
func (d *FrameDescriptor) Kind(i int) SlotKind {
	return d.Slot(i).Kind
}

// SetKind changes the declared kind of a non-static slot. Interpreters use
// it to record generalization; it does not bump the version because it
// does not change layout.
func (d *FrameDescriptor) SetKind(i int, kind SlotKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.slots[i].Kind == KindStatic || kind == KindStatic {
		panic("vm: static slots cannot change kind")
	}
	d.slots[i].Kind = kind
}

// DefaultValue is the value uninitialized object slots read as.
func (d *FrameDescriptor) DefaultValue() any {
	return d.defaultValue
}

// Version changes whenever slots are added.
func (d *FrameDescriptor) Version() uint64 {
	return d.version.Load()
}

// layout returns a copy of the slot kinds together with the version
// they belong to.
func (d *FrameDescriptor) layout() ([]SlotKind, uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	kinds := make([]SlotKind, len(d.slots))
	for i, s := range d.slots {
		kinds[i] = s.Kind
	}
	return kinds, d.version.Load()
}
