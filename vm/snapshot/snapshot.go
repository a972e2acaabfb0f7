// Package snapshot captures the OSR state of an engine for offline
// inspection. Snapshots are diagnostic: they are written by tools and
// tests and are never loaded back into an engine.
package snapshot

import (
	"fmt"
	"os"
	"time"

	"github.com/chazu/looptier/vm"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is bumped whenever a field changes meaning.
const Version = 1

// Snapshot is the state of one engine at one moment.
type Snapshot struct {
	Version byte              `cbor:"1,keyasint"`
	ID      string            `cbor:"2,keyasint"`
	Taken   time.Time         `cbor:"3,keyasint"`
	Config  vm.Config         `cbor:"4,keyasint"`
	Stats   vm.OSRStats       `cbor:"5,keyasint"`
	Nodes   []vm.MetadataInfo `cbor:"6,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Capture reads the counters and per-node cache state of e.
func Capture(e *vm.Engine) *Snapshot {
	return &Snapshot{
		Version: Version,
		ID:      uuid.NewString(),
		Taken:   time.Now().UTC(),
		Config:  e.Config(),
		Stats:   e.Stats(),
		Nodes:   e.Inspect(),
	}
}

// Marshal serializes a snapshot to canonical CBOR.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a snapshot.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal: %w", err)
	}
	if s.Version != Version {
		return nil, fmt.Errorf("snapshot: unsupported version %d", s.Version)
	}
	return &s, nil
}

// WriteFile captures e and writes the snapshot to path.
func WriteFile(e *vm.Engine, path string) (*Snapshot, error) {
	s := Capture(e)
	data, err := Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	return s, nil
}

// ReadFile loads a snapshot written by WriteFile.
func ReadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	return Unmarshal(data)
}

// Compiled counts the valid compiled targets across all nodes.
func (s *Snapshot) Compiled() int {
	n := 0
	for _, node := range s.Nodes {
		for _, t := range node.Targets {
			if t.Valid {
				n++
			}
		}
	}
	return n
}
