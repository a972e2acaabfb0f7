// Package config handles looptier.toml engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chazu/looptier/vm"
)

// FileName is the name FindAndLoad looks for.
const FileName = "looptier.toml"

// File represents a looptier.toml configuration.
type File struct {
	Engine Engine `toml:"engine"`
	Log    Log    `toml:"log"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// Engine mirrors vm.Config.
type Engine struct {
	OSR                   bool   `toml:"osr"`
	CompilationThreshold  int    `toml:"compilation-threshold"`
	PollInterval          int    `toml:"poll-interval"`
	BackgroundCompilation bool   `toml:"background-compilation"`
	CompilerThreads       int    `toml:"compiler-threads"`
	CompileQueueSize      int    `toml:"compile-queue-size"`
	MaxReAttempts         int    `toml:"max-reattempts"`
	FailOnMaxReAttempts   bool   `toml:"fail-on-max-reattempts"`
	CallHotThreshold      uint64 `toml:"call-hot-threshold"`
}

// Log configures the commonlog backend.
type Log struct {
	Verbosity int    `toml:"verbosity"` // 0 quiet, 1 info, 2 debug
	File      string `toml:"file"`      // empty for stderr
}

// Default returns the configuration used when no file exists.
func Default() *File {
	c := vm.DefaultConfig()
	return &File{
		Engine: Engine{
			OSR:                   c.OSR,
			CompilationThreshold:  c.OSRCompilationThreshold,
			PollInterval:          c.OSRPollInterval,
			BackgroundCompilation: c.BackgroundCompilation,
			CompilerThreads:       c.CompilerThreads,
			CompileQueueSize:      c.CompileQueueSize,
			MaxReAttempts:         c.MaxCompilationReAttempts,
			FailOnMaxReAttempts:   c.FailOnMaxReAttempts,
			CallHotThreshold:      c.CallHotThreshold,
		},
	}
}

// LoadFile parses a configuration file. Keys missing from the file keep
// their defaults; unknown keys are an error.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	f := Default()
	md, err := toml.Decode(string(data), f)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown keys in %s: %s", path, strings.Join(keys, ", "))
	}

	f.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return f, nil
}

// Load parses the looptier.toml file in dir.
func Load(dir string) (*File, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// FindAndLoad walks up from startDir to find a looptier.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*File, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// EngineConfig converts the engine section to a vm.Config.
func (f *File) EngineConfig() vm.Config {
	return vm.Config{
		OSR:                      f.Engine.OSR,
		OSRCompilationThreshold:  f.Engine.CompilationThreshold,
		OSRPollInterval:          f.Engine.PollInterval,
		BackgroundCompilation:    f.Engine.BackgroundCompilation,
		CompilerThreads:          f.Engine.CompilerThreads,
		CompileQueueSize:         f.Engine.CompileQueueSize,
		MaxCompilationReAttempts: f.Engine.MaxReAttempts,
		FailOnMaxReAttempts:      f.Engine.FailOnMaxReAttempts,
		CallHotThreshold:         f.Engine.CallHotThreshold,
	}
}

// Validate checks both sections.
func (f *File) Validate() error {
	if err := f.EngineConfig().Validate(); err != nil {
		return err
	}
	if f.Log.Verbosity < 0 || f.Log.Verbosity > 2 {
		return fmt.Errorf("log verbosity must be 0, 1 or 2, got %d", f.Log.Verbosity)
	}
	return nil
}
