package main

import (
	"flag"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/tinyrange/svm/internal/debug"
	"github.com/tinyrange/svm/internal/vmcb"
)

func run() error {
	list := flag.Bool("list", false, "list all sources in the log")
	timeRange := flag.Bool("range", false, "print the earliest and latest timestamps")
	source := flag.String("source", "", "regex to filter sources")
	exit := flag.String("exit", "", "only show exits with this name (e.g. npf, cpuid)")
	limit := flag.Int("limit", 100, "limit the number of entries (0 for unlimited)")
	tail := flag.Bool("tail", false, "show last N entries instead of first N")
	counts := flag.Bool("counts", false, "count exits per code instead of listing them")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `debug - inspect binary exit logs

USAGE:
  debug [flags] <filename>

Each exit is printed as:
  TIMESTAMP [SOURCE] cpu N asid N flush F EXIT info1 info2 rip [intinfo] [injected]

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	reader, closer, err := debug.NewReaderFromFile(flag.Arg(0))
	if err != nil {
		return fmt.Errorf("failed to open debug file: %w", err)
	}
	defer closer.Close()

	if *list {
		for _, src := range reader.Sources() {
			fmt.Println(src)
		}
		return nil
	}

	if *timeRange {
		earliest, latest := reader.TimeRange()
		fmt.Printf("earliest: %s\nlatest:   %s\nduration: %s\nentries:  %d\n",
			earliest, latest, latest.Sub(earliest), reader.Len())
		return nil
	}

	var filter debug.Filter
	if *source != "" {
		re, err := regexp.Compile(*source)
		if err != nil {
			return fmt.Errorf("invalid source regex: %w", err)
		}
		for _, src := range reader.Sources() {
			if re.MatchString(src) {
				filter.Sources = append(filter.Sources, src)
			}
		}
		if len(filter.Sources) == 0 {
			return nil
		}
	}
	var want vmcb.ExitCode
	if *exit != "" {
		code, ok := vmcb.ParseExitCode(*exit)
		if !ok {
			return fmt.Errorf("unknown exit %q", *exit)
		}
		want = code
		filter.Kinds = []debug.DebugKind{debug.DebugKindExit}
	}
	// The exit filter is applied after decoding, so the limit is too.
	if *exit == "" && !*counts {
		filter.Limit = *limit
		if *tail {
			filter.Limit = -*limit
		}
	}

	perCode := map[vmcb.ExitCode]int{}
	var lines []string
	err = reader.Search(filter, func(e debug.Entry) error {
		if e.Kind != debug.DebugKindExit {
			if *exit == "" && !*counts {
				lines = append(lines, fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Source, e.Data))
			}
			return nil
		}
		rec, err := e.Exit()
		if err != nil {
			return err
		}
		code := vmcb.ExitCode(rec.Code)
		if *exit != "" && code != want {
			return nil
		}
		perCode[code]++
		if !*counts {
			lines = append(lines, fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Source, formatExit(rec)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read log: %w", err)
	}

	if *counts {
		for code, n := range perCode {
			fmt.Printf("%8d %s\n", n, code)
		}
		return nil
	}
	if *exit != "" && *limit > 0 && len(lines) > *limit {
		if *tail {
			lines = lines[len(lines)-*limit:]
		} else {
			lines = lines[:*limit]
		}
	}
	for _, l := range lines {
		fmt.Println(l)
	}
	return nil
}

func formatExit(r debug.ExitRecord) string {
	s := fmt.Sprintf("cpu %d asid %d flush %s %s info1=%#x info2=%#x rip=%#x",
		r.HostCPU, r.ASID, vmcb.TLBFlush(r.Flush), vmcb.ExitCode(r.Code), r.Info1, r.Info2, r.RIP)
	if ev, ok := vmcb.DecodeEvent(r.IntInfo); ok {
		s += " vectoring=" + ev.String()
	}
	if ev, ok := vmcb.DecodeEvent(r.Injected); ok {
		s += " injected=" + ev.String()
	}
	return s
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "debug: %v\n", err)
		os.Exit(1)
	}
}
