package vm

import "fmt"

// Config holds the tuning knobs of an Engine.
type Config struct {
	OSR                     bool `cbor:"1,keyasint"` // Master switch for on-stack replacement
	OSRCompilationThreshold int  `cbor:"2,keyasint"` // Back-edges before a loop is compiled
	OSRPollInterval         int  `cbor:"3,keyasint"` // Back-edges between threshold checks

	BackgroundCompilation bool `cbor:"4,keyasint"` // Compile on worker goroutines instead of the polling thread
	CompilerThreads       int  `cbor:"5,keyasint"`
	CompileQueueSize      int  `cbor:"6,keyasint"`

	// Recompilations of one target after invalidation before OSR gives up
	// on the node. With FailOnMaxReAttempts the poll panics instead.
	MaxCompilationReAttempts int  `cbor:"7,keyasint"`
	FailOnMaxReAttempts      bool `cbor:"8,keyasint"`

	// Calls plus interpreted loop iterations after which a call target is
	// reported through the engine's hot callback.
	CallHotThreshold uint64 `cbor:"9,keyasint"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() Config {
	return Config{
		OSR:                      true,
		OSRCompilationThreshold:  100352,
		OSRPollInterval:          1024,
		BackgroundCompilation:    true,
		CompilerThreads:          1,
		CompileQueueSize:         100,
		MaxCompilationReAttempts: 30,
		CallHotThreshold:         1000,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.OSRPollInterval <= 0 {
		return fmt.Errorf("osr poll interval must be positive, got %d", c.OSRPollInterval)
	}
	if c.OSRCompilationThreshold < 0 {
		return fmt.Errorf("osr compilation threshold must not be negative, got %d", c.OSRCompilationThreshold)
	}
	if c.BackgroundCompilation {
		if c.CompilerThreads <= 0 {
			return fmt.Errorf("compiler threads must be positive, got %d", c.CompilerThreads)
		}
		if c.CompileQueueSize <= 0 {
			return fmt.Errorf("compile queue size must be positive, got %d", c.CompileQueueSize)
		}
	}
	if c.MaxCompilationReAttempts < 0 {
		return fmt.Errorf("max compilation re-attempts must not be negative, got %d", c.MaxCompilationReAttempts)
	}
	return nil
}
