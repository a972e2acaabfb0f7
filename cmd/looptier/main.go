// looptier runs the reference bytecode programs on an OSR engine and
// reports what the engine did with their loops.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/chazu/looptier/config"
	"github.com/chazu/looptier/vm"
	"github.com/chazu/looptier/vm/bytecode"
	"github.com/chazu/looptier/vm/snapshot"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "Path to a looptier.toml (default: search upward from the working directory)")
	verbosity := flag.Int("v", -1, "Log verbosity 0-2 (overrides the config file)")
	logFile := flag.String("log", "", "Log file (default: stderr)")
	program := flag.String("p", "all", "Program to run: "+strings.Join(sampleNames(), ", ")+" or all")
	disasm := flag.Bool("d", false, "Print the disassembly of each program before running it")
	threads := flag.Int("threads", 1, "Number of threads running each program concurrently")
	repeat := flag.Int("repeat", 1, "Calls per thread")
	sync := flag.Bool("sync", false, "Compile on the polling thread instead of in the background")
	dump := flag.String("dump", "", "Write a CBOR snapshot of the engine to this file when done")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: looptier [options] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Runs reference bytecode programs; args are the initial register values.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  looptier -p triple 200000          # r2 = 3 * 200000\n")
		fmt.Fprintf(os.Stderr, "  looptier -p multiply 1000 1000     # nested loops\n")
		fmt.Fprintf(os.Stderr, "  looptier -threads 4 -dump osr.cbor # concurrent run, then snapshot\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	configureLogging(cfg.Log)

	engineCfg := cfg.EngineConfig()
	if *sync {
		engineCfg.BackgroundCompilation = false
	}
	engine, err := vm.NewEngine(engineCfg, vm.WithHotCallback(func(ct *vm.CallTarget) {
		p := ct.Profile()
		fmt.Printf("hot: %s (%d calls, %d loop iterations)\n", ct.Name(), p.Calls, p.LoopIterations)
	}))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Stop()

	args, err := parseArgs(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	samples, err := selectSamples(*program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	for _, s := range samples {
		if *disasm {
			text, err := bytecode.Disassemble(s.Code)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("%s: %s\n%s\n", s.Name, s.Doc, text)
		}
		if err := run(engine, s, args, *threads, *repeat); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	engine.WaitForCompilations()
	printStats(engine)

	if *dump != "" {
		snap, err := snapshot.WriteFile(engine, *dump)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("snapshot %s written to %s (%d compiled targets)\n", snap.ID, *dump, snap.Compiled())
	}
}

func loadConfig(path string) (*config.File, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.FindAndLoad(wd)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

func configureLogging(l config.Log) {
	var path *string
	if l.File != "" {
		path = &l.File
	}
	commonlog.Configure(l.Verbosity, path)
}

func sampleNames() []string {
	var names []string
	for name := range bytecode.Samples {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func selectSamples(name string) ([]bytecode.Sample, error) {
	if name == "all" {
		var out []bytecode.Sample
		for _, n := range sampleNames() {
			out = append(out, bytecode.Samples[n])
		}
		return out, nil
	}
	s, ok := bytecode.Samples[name]
	if !ok {
		return nil, fmt.Errorf("unknown program %q (have %s)", name, strings.Join(sampleNames(), ", "))
	}
	return []bytecode.Sample{s}, nil
}

func parseArgs(raw []string) ([]any, error) {
	if len(raw) == 0 {
		// enough iterations to cross the default threshold
		return []any{200000, 3}, nil
	}
	args := make([]any, len(raw))
	for i, s := range raw {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %q is not an integer", i, s)
		}
		args[i] = v
	}
	return args, nil
}

func run(engine *vm.Engine, s bytecode.Sample, args []any, threads, repeat int) error {
	target, _, err := bytecode.NewCallTarget(engine, s.Name, s.Code, s.NumRegs)
	if err != nil {
		return err
	}
	if len(args) > s.NumRegs {
		args = args[:s.NumRegs]
	}

	results := make([][]any, threads)
	var g errgroup.Group
	for i := range threads {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s on thread %d: %v", s.Name, i, r)
				}
			}()
			t := engine.NewThread()
			for range repeat {
				results[i] = append(results[i], target.Call(t, args...))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, rs := range results {
		fmt.Printf("%s%v on thread %d: %v\n", s.Name, args, i, rs)
	}
	return nil
}

func printStats(engine *vm.Engine) {
	st := engine.Stats()
	fmt.Printf("\nOSR statistics:\n")
	fmt.Printf("  hot loops:            %d\n", st.HotLoops)
	fmt.Printf("  compiles requested:   %d\n", st.CompilationsRequested)
	fmt.Printf("  compiles succeeded:   %d\n", st.CompilationsSucceeded)
	fmt.Printf("  bailouts (t/p):       %d/%d\n", st.TransientBailouts, st.PermanentBailouts)
	fmt.Printf("  discarded / rejected: %d/%d\n", st.DiscardedCompilations, st.QueueRejections)
	fmt.Printf("  OSR entries:          %d\n", st.OSREntries)
	fmt.Printf("  deoptimizations:      %d\n", st.Deoptimizations)
	fmt.Printf("  invalidations:        %d\n", st.Invalidations)
	fmt.Printf("  transfer mismatches:  %d\n", st.TransferMismatches)
	fmt.Printf("  nodes disabled:       %d\n", st.NodesDisabled)

	for _, info := range engine.Inspect() {
		fmt.Printf("  %s disabled=%v back-edges=%d\n", info.Node, info.Disabled, info.BackEdges)
		for _, t := range info.Targets {
			fmt.Printf("    target %d: %s valid=%v compilations=%d re-attempts=%d\n",
				t.Target, t.State, t.Valid, t.Compilations, t.ReAttempts)
		}
	}
}
