package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/svm/internal/timeslice"
)

type sourceRecord struct {
	Count int
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (r *sourceRecord) Add(d time.Duration) {
	r.Count++
	r.Sum += d
	if r.Min == 0 || d < r.Min {
		r.Min = d
	}
	if d > r.Max {
		r.Max = d
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Timeslice file to read")
	sums := fs.Bool("sums", false, "Print per-stage totals instead of every record")
	perVCPU := fs.Bool("vcpu", false, "Break the totals down by vcpu")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	switch {
	case *sums:
		totals, err := timeslice.Summarize(f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		var all time.Duration
		for _, t := range totals {
			all += t.Time
		}
		for _, t := range totals {
			share := 0.0
			if all > 0 {
				share = 100 * float64(t.Time) / float64(all)
			}
			fmt.Printf("% 20s flags=% 10s count=% 10d sum=% 16s avg=% 12s %5.1f%%\n",
				t.Kind.Name, t.Kind.Flags, t.Count, t.Time, t.Time/time.Duration(t.Count), share)
		}
	case *perVCPU:
		type key struct {
			name   string
			source int
		}
		records := map[key]*sourceRecord{}
		var order []key
		if err := timeslice.ReadAll(f, func(k timeslice.Kind, source int, d time.Duration) error {
			id := key{k.Name, source}
			r, ok := records[id]
			if !ok {
				r = &sourceRecord{}
				records[id] = r
				order = append(order, id)
			}
			r.Add(d)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		for _, id := range order {
			r := records[id]
			fmt.Printf("vcpu% 4d % 20s count=% 10d sum=% 16s min=% 12s max=% 12s avg=% 12s\n",
				id.source, id.name, r.Count, r.Sum, r.Min, r.Max, r.Sum/time.Duration(r.Count))
		}
	default:
		if err := timeslice.ReadAll(f, func(k timeslice.Kind, source int, d time.Duration) error {
			fmt.Printf("%d %s %s %s\n", source, k.Name, k.Flags, d)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
	}
}
