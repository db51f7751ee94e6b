package svm

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/tinyrange/svm/internal/vmcb"
)

// Stats counts what a VCPU did. It is only updated by the VCPU's worker.
type Stats struct {
	Runs        uint64
	Exits       uint64
	Aborts      uint64
	ToHost      uint64
	ResumeLimit uint64

	NewASIDs   uint64
	TLBFlushes uint64

	Injections       uint64
	Interrupts       uint64
	NMIs             uint64
	InterruptWindows uint64
	NMIWindows       uint64
	Vectoring        uint64
	DoubleFaults     uint64
	TripleFaults     uint64

	NestedEntries  uint64
	NestedExits    uint64
	NestedForwards uint64

	ByExit map[vmcb.ExitCode]uint64
}

func (s *Stats) init() {
	s.ByExit = make(map[vmcb.ExitCode]uint64)
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Runs += o.Runs
	s.Exits += o.Exits
	s.Aborts += o.Aborts
	s.ToHost += o.ToHost
	s.ResumeLimit += o.ResumeLimit
	s.NewASIDs += o.NewASIDs
	s.TLBFlushes += o.TLBFlushes
	s.Injections += o.Injections
	s.Interrupts += o.Interrupts
	s.NMIs += o.NMIs
	s.InterruptWindows += o.InterruptWindows
	s.NMIWindows += o.NMIWindows
	s.Vectoring += o.Vectoring
	s.DoubleFaults += o.DoubleFaults
	s.TripleFaults += o.TripleFaults
	s.NestedEntries += o.NestedEntries
	s.NestedExits += o.NestedExits
	s.NestedForwards += o.NestedForwards
	if s.ByExit == nil {
		s.ByExit = make(map[vmcb.ExitCode]uint64)
	}
	for code, n := range o.ByExit {
		s.ByExit[code] += n
	}
}

// WriteTo renders the counters as a table, busiest exit codes first.
func (s Stats) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	tw := tabwriter.NewWriter(cw, 0, 4, 2, ' ', 0)
	rows := []struct {
		name string
		v    uint64
	}{
		{"runs", s.Runs}, {"exits", s.Exits}, {"aborts", s.Aborts},
		{"to-host", s.ToHost}, {"resume-limit", s.ResumeLimit},
		{"new-asids", s.NewASIDs}, {"tlb-flushes", s.TLBFlushes},
		{"injections", s.Injections}, {"interrupts", s.Interrupts},
		{"nmis", s.NMIs}, {"irq-windows", s.InterruptWindows},
		{"nmi-windows", s.NMIWindows}, {"vectoring", s.Vectoring},
		{"double-faults", s.DoubleFaults}, {"triple-faults", s.TripleFaults},
		{"nested-entries", s.NestedEntries}, {"nested-exits", s.NestedExits},
		{"nested-forwards", s.NestedForwards},
	}
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\n", r.name, r.v)
	}
	codes := slices.Collect(maps.Keys(s.ByExit))
	slices.SortFunc(codes, func(a, b vmcb.ExitCode) int {
		if s.ByExit[a] != s.ByExit[b] {
			if s.ByExit[a] > s.ByExit[b] {
				return -1
			}
			return 1
		}
		if a < b {
			return -1
		}
		return 1
	})
	for _, c := range codes {
		fmt.Fprintf(tw, "exit %s\t%d\n", c, s.ByExit[c])
	}
	err := tw.Flush()
	return cw.n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Stats returns a copy of the VCPU's counters.
func (vc *VCPU) Stats() Stats {
	s := vc.stats
	s.ByExit = maps.Clone(vc.stats.ByExit)
	return s
}

// Stats sums the counters of every VCPU. Call it only while no VCPU runs.
func (vm *VM) Stats() Stats {
	var s Stats
	s.init()
	for _, vc := range vm.vcpus {
		s.Add(vc.stats)
	}
	return s
}
