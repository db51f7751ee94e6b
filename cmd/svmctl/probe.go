package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/hv/factory"
)

func runProbe(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("probe", flag.ExitOnError)
	features := fs.Bool("features", false, "list every feature name the config accepts")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *features {
		fmt.Fprintln(e.out, strings.Join(hv.FeatureNames(), "\n"))
		return nil
	}

	opts := e.cfg.EngineOptions()
	opts.Logger = e.log
	// Probing must not leave every CPU armed.
	opts.PerCallEnable = true
	ops, err := factory.Probe(opts)
	if err != nil {
		return err
	}
	defer factory.Reset()

	fmt.Fprintf(e.out, "extension:   %s\n", ops.Kind())
	if u, ok := ops.(*hv.Unsupported); ok {
		fmt.Fprintf(e.out, "usable:      no (%s)\n", u.Reason)
		return nil
	}
	caps := ops.Capabilities()
	if err := e.cfg.ApplyCaps(&caps); err != nil {
		return err
	}
	fmt.Fprintf(e.out, "cpu:         %s family %#x model %#x stepping %d\n", caps.Vendor, caps.Family, caps.Model, caps.Stepping)
	fmt.Fprintf(e.out, "revision:    %d\n", caps.Revision)
	fmt.Fprintf(e.out, "asids:       %d\n", caps.MaxASID)
	fmt.Fprintf(e.out, "features:    %s\n", strings.Join(caps.Features(), " "))
	fmt.Fprintf(e.out, "fingerprint: %s\n", hv.ComputeFingerprint(caps).Short())
	return nil
}
