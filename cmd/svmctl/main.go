// Command svmctl probes the host for AMD-V support and drives the engine
// on the simulated CPU.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/term"

	"github.com/tinyrange/svm/internal/config"
	"github.com/tinyrange/svm/internal/debug"
	"github.com/tinyrange/svm/internal/timeslice"
)

type command struct {
	name  string
	usage string
	run   func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{"probe", "report the host's virtualization extension", runProbe},
	{"run", "run scenario files on the simulated cpu", runScenarios},
	{"stress", "run random exits on many vcpus", runStress},
	{"config", "print the effective configuration", runConfig},
}

// env is what every command shares.
type env struct {
	cfg    config.Config
	log    *slog.Logger
	out    io.Writer
	isTerm bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "svmctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.Filename, "configuration file")
	verbose := flag.Bool("debug", false, "log at debug level")
	traceFile := flag.String("trace", "", "write the binary exit log to `file` (overrides the config)")
	sliceFile := flag.String("timeslice", "", "write stage timings to `file` (overrides the config)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *traceFile != "" {
		cfg.Trace.Exits = *traceFile
	}
	if *sliceFile != "" {
		cfg.Trace.Timeslice = *sliceFile
	}

	if cfg.Trace.Exits != "" {
		if err := debug.OpenFile(cfg.Trace.Exits); err != nil {
			return fmt.Errorf("open exit log: %w", err)
		}
		defer debug.Close()
	}
	if cfg.Trace.Timeslice != "" {
		f, err := os.Create(cfg.Trace.Timeslice)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()
		closer, err := timeslice.Open(f)
		if err != nil {
			return fmt.Errorf("open timeslice stream: %w", err)
		}
		defer closer.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e := &env{
		cfg:    cfg,
		log:    log,
		out:    os.Stdout,
		isTerm: term.IsTerminal(int(os.Stdout.Fd())),
	}
	name := flag.Arg(0)
	for _, c := range commands {
		if c.name == name {
			return c.run(ctx, e, flag.Args()[1:])
		}
	}
	usage()
	return fmt.Errorf("unknown command %q", name)
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: svmctl [flags] <command> [args]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
	fmt.Fprintf(os.Stderr, "\nflags:\n")
	flag.PrintDefaults()
}

func runConfig(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	write := fs.String("write", "", "also write the configuration to `file`")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *write != "" {
		if err := config.Write(*write, e.cfg); err != nil {
			return err
		}
	}
	vmc, err := e.cfg.VMOptions()
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "version:    %s\n", e.cfg.Version)
	fmt.Fprintf(e.out, "vm:         %s, %d vcpus, np=%v nested=%v tsc=%s\n",
		vmc.Name, vmc.NumVCPUs, vmc.NestedPaging, vmc.NestedHWVirt, vmc.TSCMode)
	fmt.Fprintf(e.out, "engine:     per-call=%v max-asid=%d\n", e.cfg.Engine.PerCallEnable, e.cfg.Engine.MaxASID)
	if len(e.cfg.Engine.Features) > 0 {
		fmt.Fprintf(e.out, "overrides:  %v\n", e.cfg.Engine.Features)
	}
	return nil
}

var errFailed = errors.New("failed")
