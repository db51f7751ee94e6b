package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/tinyrange/svm/internal/simcpu"
)

func runScenarios(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	stats := fs.Bool("stats", false, "print the engine counters of each scenario")
	runs := fs.Bool("runs", false, "print every simulated VMRUN")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var files []string
	for _, pat := range fs.Args() {
		m, err := filepath.Glob(pat)
		if err != nil {
			return err
		}
		files = append(files, m...)
	}
	if len(files) == 0 {
		return fmt.Errorf("run: no scenario files")
	}

	failed := 0
	for _, file := range files {
		s, err := simcpu.LoadScenario(file)
		if err != nil {
			return err
		}
		res, err := s.Run(ctx, e.log)
		if err == nil {
			err = s.Check(res)
		}
		if err != nil {
			failed++
			fmt.Fprintf(e.out, "%s %s\n", e.paint(red, "FAIL"), s.Name)
			fmt.Fprintf(e.out, "    %s\n", e.fit(err.Error(), 4))
		} else {
			fmt.Fprintf(e.out, "%s %s: %s\n", e.paint(green, "ok  "), s.Name, res.Reason)
		}
		if res == nil {
			continue
		}
		if *runs {
			printRuns(e, res.Runs)
		}
		if *stats {
			if _, err := res.Stats.WriteTo(e.out); err != nil {
				return err
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios %w", failed, len(files), errFailed)
	}
	return nil
}

func printRuns(e *env, runs []simcpu.RunRecord) {
	for _, r := range runs {
		line := fmt.Sprintf("    #%-4d cpu %d asid %-3d flush %-14s clean %#05x exit %s",
			r.Seq, r.HostCPU, r.ASID, r.Flush, uint32(r.Clean), r.Exit)
		fmt.Fprintln(e.out, e.fit(line, 0))
	}
}
