package vm

import (
	"sync"
	"sync/atomic"
)

// Assumption is a speculation that compiled code may depend on. Once
// invalidated it stays invalid, and every installed code that registered
// on it becomes invalid too, on all threads at once.
type Assumption struct {
	name  string
	valid atomic.Bool

	mu         sync.Mutex
	dependents []*installedCode
}

// NewAssumption returns a valid assumption.
func NewAssumption(name string) *Assumption {
	a := &Assumption{name: name}
	a.valid.Store(true)
	return a
}

func (a *Assumption) Name() string {
	return a.name
}

func (a *Assumption) IsValid() bool {
	return a.valid.Load()
}

// Invalidate breaks the assumption. Returns false if it was already broken.
func (a *Assumption) Invalidate(reason string) bool {
	if !a.valid.CompareAndSwap(true, false) {
		return false
	}
	a.mu.Lock()
	deps := a.dependents
	a.dependents = nil
	a.mu.Unlock()

	for _, c := range deps {
		c.invalidate("assumption " + a.name + " invalidated: " + reason)
	}
	return true
}

// register records c as depending on a. It fails if a is already invalid,
// in which case c must not be installed.
func (a *Assumption) register(c *installedCode) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.valid.Load() {
		return false
	}
	a.dependents = append(a.dependents, c)
	return true
}

func (a *Assumption) unregister(c *installedCode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, d := range a.dependents {
		if d == c {
			a.dependents = append(a.dependents[:i], a.dependents[i+1:]...)
			return
		}
	}
}

// AssumptionProvider is implemented by OSR nodes whose compiled code must
// be dropped when one of the returned assumptions breaks.
type AssumptionProvider interface {
	OSRAssumptions(target int) []*Assumption
}
