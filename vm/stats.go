package vm

import "sync/atomic"

// OSRStats is a point-in-time copy of the engine counters.
type OSRStats struct {
	HotLoops              uint64 `cbor:"1,keyasint"` // polls that crossed the threshold
	CompilationsRequested uint64 `cbor:"2,keyasint"`
	CompilationsSucceeded uint64 `cbor:"3,keyasint"`
	TransientBailouts     uint64 `cbor:"4,keyasint"`
	PermanentBailouts     uint64 `cbor:"5,keyasint"`
	DiscardedCompilations uint64 `cbor:"6,keyasint"` // results for evicted entries
	QueueRejections       uint64 `cbor:"7,keyasint"`
	OSREntries            uint64 `cbor:"8,keyasint"`
	Deoptimizations       uint64 `cbor:"9,keyasint"`
	Invalidations         uint64 `cbor:"10,keyasint"`
	TransferMismatches    uint64 `cbor:"11,keyasint"`
	NodesDisabled         uint64 `cbor:"12,keyasint"`
}

type engineStats struct {
	hotLoops              atomic.Uint64
	compilationsRequested atomic.Uint64
	compilationsSucceeded atomic.Uint64
	transientBailouts     atomic.Uint64
	permanentBailouts     atomic.Uint64
	discardedCompilations atomic.Uint64
	queueRejections       atomic.Uint64
	osrEntries            atomic.Uint64
	deoptimizations       atomic.Uint64
	invalidations         atomic.Uint64
	transferMismatches    atomic.Uint64
	nodesDisabled         atomic.Uint64
}

func (s *engineStats) snapshot() OSRStats {
	return OSRStats{
		HotLoops:              s.hotLoops.Load(),
		CompilationsRequested: s.compilationsRequested.Load(),
		CompilationsSucceeded: s.compilationsSucceeded.Load(),
		TransientBailouts:     s.transientBailouts.Load(),
		PermanentBailouts:     s.permanentBailouts.Load(),
		DiscardedCompilations: s.discardedCompilations.Load(),
		QueueRejections:       s.queueRejections.Load(),
		OSREntries:            s.osrEntries.Load(),
		Deoptimizations:       s.deoptimizations.Load(),
		Invalidations:         s.invalidations.Load(),
		TransferMismatches:    s.transferMismatches.Load(),
		NodesDisabled:         s.nodesDisabled.Load(),
	}
}
