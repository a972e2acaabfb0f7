package vm

import (
	"fmt"
	"sync/atomic"
)

// Node is an element of an interpreted program graph. Every node embeds
// NodeBase, which gives it a stable identity and a parent link. Identity
// survives structural replacement of children, so OSR caches are keyed by
// it rather than by the Go pointer of whatever happens to be installed.
type Node interface {
	nodeBase() *NodeBase
}

// RootNode is the entry of a call target.
type RootNode interface {
	Node
	Execute(t *Thread, frame *Frame) any
}

// ChildReplacer is implemented by nodes that hold typed references to
// their children and need to update them when Replace swaps a child.
type ChildReplacer interface {
	ReplaceChild(old, replacement Node)
}

var nodeIDs atomic.Uint64

// NodeBase carries identity and tree structure for a node.
type NodeBase struct {
	id       atomic.Uint64
	parent   Node
	children []Node
}

func (b *NodeBase) nodeBase() *NodeBase {
	if b.id.Load() == 0 {
		b.id.CompareAndSwap(0, nodeIDs.Add(1))
	}
	return b
}

// ID returns the stable identity of the node.
func (b *NodeBase) ID() uint64 {
	return b.nodeBase().id.Load()
}

// Parent returns the adopting node, or nil.
func (b *NodeBase) Parent() Node {
	return b.parent
}

// Children returns the adopted children in adoption order.
func (b *NodeBase) Children() []Node {
	return b.children
}

// NodeID returns the stable identity of n.
func NodeID(n Node) uint64 {
	return n.nodeBase().id.Load()
}

// Adopt makes parent the parent of each child.
func Adopt(parent Node, children ...Node) {
	pb := parent.nodeBase()
	for _, c := range children {
		if c == nil {
			continue
		}
		c.nodeBase().parent = parent
		pb.children = append(pb.children, c)
	}
}

// Replace swaps old for replacement in old's parent and notifies every
// OSR-capable ancestor that the program shape below it changed. The
// reason is recorded with the resulting invalidations.
func Replace(old, replacement Node, reason string) error {
	ob := old.nodeBase()
	parent := ob.parent
	if parent == nil {
		return fmt.Errorf("vm: cannot replace node %d: no parent", ob.id.Load())
	}

	pb := parent.nodeBase()
	found := false
	for i, c := range pb.children {
		if c == old {
			pb.children[i] = replacement
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("vm: node %d is not a child of node %d", ob.id.Load(), pb.id.Load())
	}

	replacement.nodeBase().parent = parent
	ob.parent = nil
	if r, ok := parent.(ChildReplacer); ok {
		r.ReplaceChild(old, replacement)
	}

	for n := parent; n != nil; n = n.nodeBase().parent {
		if o, ok := n.(OSRNode); ok {
			o.osrBase().nodeReplaced(reason)
		}
	}
	return nil
}

// nodeName gives a short label for logs and inspection.
func nodeName(n Node) string {
	if s, ok := n.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T#%d", n, NodeID(n))
}
