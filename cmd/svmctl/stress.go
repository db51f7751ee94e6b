package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/simcpu"
	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

// stressExits are the exits the random program picks from, with the
// instruction length the engine advances past.
var stressExits = []simcpu.Exit{
	{Code: vmcb.ExitCPUID, Len: 2},
	{Code: vmcb.ExitVMMCALL, Len: 3},
	{Code: vmcb.ExitWBINVD, Len: 2},
	{Code: vmcb.ExitMONITOR, Len: 3},
	{Code: vmcb.ExitINTR},
}

func runStress(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("stress", flag.ExitOnError)
	vcpus := fs.Int("vcpus", 4, "number of vcpus")
	hostCPUs := fs.Int("cpus", 2, "number of simulated host cpus")
	halts := fs.Int("halts", 1000, "halts each vcpu runs before stopping")
	maxASID := fs.Uint("asids", 16, "ASIDs the simulated cpu reports")
	features := fs.String("caps", "nrips,vmcb-clean,flush-by-asid,np", "comma separated capabilities of the simulated cpu")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	migrate := fs.Bool("migrate", true, "move every run to the next host cpu")
	if err := fs.Parse(args); err != nil {
		return err
	}

	caps := hv.Capabilities{MaxASID: uint32(*maxASID)}
	for _, name := range strings.Split(*features, ",") {
		if name == "" {
			continue
		}
		if err := caps.SetFeature(strings.TrimSpace(name), true); err != nil {
			return err
		}
	}
	if err := e.cfg.ApplyCaps(&caps); err != nil {
		return err
	}
	vmc, err := e.cfg.VMOptions()
	if err != nil {
		return err
	}
	vmc.NumVCPUs = *vcpus

	m, err := simcpu.NewMachine(simcpu.MachineConfig{
		Caps:     caps,
		HostCPUs: *hostCPUs,
		VM:       vmc,
		Logger:   e.log,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	m.Host.SetRoundRobin(*migrate)
	// Only the history the report needs is kept.
	m.CPU.KeepRuns = 64
	rng := rand.New(rand.NewPCG(*seed, 0))
	m.CPU.Default = func(r *simcpu.Run) simcpu.Step {
		if rng.IntN(8) == 0 {
			return simcpu.Step{Exit: simcpu.Exit{Code: vmcb.ExitHLT, Len: 1}}
		}
		return simcpu.Step{Exit: stressExits[rng.IntN(len(stressExits))]}
	}

	total := *vcpus * *halts
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("stress"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(e.isTerm),
		progressbar.OptionClearOnFinish(),
	)
	seen := make([]int, *vcpus)
	var unexpected atomic.Int64
	start := time.Now()
	err = m.VM.Run(ctx, func(ctx context.Context, vc *svm.VCPU, reason svm.ExitReason) (bool, error) {
		if reason.Kind != svm.ExitHalt {
			unexpected.Add(1)
			e.log.Warn("unexpected exit", "vcpu", vc.ID(), "reason", reason.String())
			return true, nil
		}
		bar.Add(1)
		seen[vc.ID()]++
		return seen[vc.ID()] < *halts, nil
	})
	bar.Finish()
	elapsed := time.Since(start)
	if err != nil {
		return err
	}

	st := m.VM.Stats()
	fmt.Fprintf(e.out, "%s seed %d: %d runs in %s (%.0f/s)\n",
		e.paint(bold, "stress"), *seed, st.Runs, elapsed.Round(time.Millisecond),
		float64(st.Runs)/elapsed.Seconds())
	for i := 0; i < m.Engine.HostCPUs().Len(); i++ {
		hc := m.Engine.HostCPUs().CPU(i)
		fmt.Fprintf(e.out, "  cpu %d: %s issued %d, wraps %d, flushes %d\n",
			i, pad("asids", 6), hc.ASIDsIssued, hc.ASIDWraps, hc.TLBFlushes)
	}
	if _, err := st.WriteTo(e.out); err != nil {
		return err
	}

	vs := m.CPU.Violations()
	for _, v := range vs {
		fmt.Fprintf(e.out, "%s %s\n", e.paint(red, "violation"), e.fit(v, 10))
	}
	if len(vs) > 0 || unexpected.Load() > 0 {
		return fmt.Errorf("stress: %d violations, %d unexpected exits: %w", len(vs), unexpected.Load(), errFailed)
	}
	return nil
}
