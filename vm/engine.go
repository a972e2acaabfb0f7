package vm

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Engine owns configuration, the compilation backend and queue, and the
// counters shared by every thread and node running on it.
type Engine struct {
	config  Config
	backend Backend
	queue   *compileQueue
	stats   engineStats
	onHot   func(*CallTarget)

	metadata sync.Map // node id -> *OSRMetadata

	ctx    context.Context
	cancel context.CancelFunc
	stop   sync.Once
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBackend replaces the default ClosureBackend.
func WithBackend(b Backend) EngineOption {
	return func(e *Engine) {
		e.backend = b
	}
}

// WithHotCallback registers fn to be called once per call target when its
// calls plus loop iterations reach Config.CallHotThreshold.
func WithHotCallback(fn func(*CallTarget)) EngineOption {
	return func(e *Engine) {
		e.onHot = fn
	}
}

// NewEngine validates cfg and starts the compiler workers if background
// compilation is enabled.
func NewEngine(cfg Config, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	e := &Engine{
		config:  cfg,
		backend: ClosureBackend{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	if cfg.BackgroundCompilation {
		e.queue = newCompileQueue(cfg.CompileQueueSize, cfg.CompilerThreads)
	}
	logger.Info("engine started",
		"osr", cfg.OSR,
		"threshold", cfg.OSRCompilationThreshold,
		"pollInterval", cfg.OSRPollInterval,
		"background", cfg.BackgroundCompilation)
	return e, nil
}

func (e *Engine) Config() Config {
	return e.config
}

// NewThread creates the execution state for one goroutine.
func (e *Engine) NewThread() *Thread {
	return &Thread{id: threadIDs.Add(1), engine: e}
}

// NewCallTarget wraps root as a callable target.
func (e *Engine) NewCallTarget(name string, root RootNode, desc *FrameDescriptor) *CallTarget {
	if desc == nil {
		desc = NewFrameDescriptor()
	}
	return &CallTarget{engine: e, name: name, root: root, desc: desc}
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() OSRStats {
	return e.stats.snapshot()
}

// WaitForCompilations blocks until every queued background compilation
// has finished or been abandoned.
func (e *Engine) WaitForCompilations() {
	if e.queue != nil {
		e.queue.wait()
	}
}

// Stop cancels outstanding compilations and stops the workers. Threads may
// keep running; loops that were waiting on a background compile simply
// stay interpreted.
func (e *Engine) Stop() {
	e.stop.Do(func() {
		e.cancel()
		if e.queue != nil {
			e.queue.stop()
		}
		logger.Info("engine stopped")
	})
}

func (e *Engine) register(m *OSRMetadata) {
	e.metadata.Store(NodeID(m.node), m)
}

// Inspect describes the OSR state of every node that has polled.
func (e *Engine) Inspect() []MetadataInfo {
	var out []MetadataInfo
	e.metadata.Range(func(_, v any) bool {
		out = append(out, v.(*OSRMetadata).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}
