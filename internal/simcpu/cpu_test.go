package simcpu

import (
	"errors"
	"strings"
	"testing"

	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

// validBlock returns a block VMRUN accepts that intercepts HLT.
func validBlock(t *testing.T) (*vmcb.VMCB, uint64) {
	t.Helper()
	v, pages, err := vmcb.AllocVMCB(vmcb.HeapAllocator{})
	if err != nil {
		t.Fatal(err)
	}
	v.State.EFER = eferSVME
	v.State.CR0 = 0x10
	v.Ctrl.InterceptCtrl1 = vmcb.InterceptHLT
	v.Ctrl.InterceptCtrl2 = vmcb.InterceptVMRUN
	v.Ctrl.TLBCtrl.ASID = 1
	return v, pages.Phys
}

func hltStep() Step { return Step{Exit: Exit{Code: vmcb.ExitHLT, Len: 1}} }

func TestRunReplaysScript(t *testing.T) {
	c := NewCPU(1, 16)
	v, phys := validBlock(t)
	v.State.RIP = 0x100
	var gprs svm.GPRs
	c.Script(v, Step{
		Guest: func(r *Run) { r.GPRs[svm.RBX] = 7 },
		Exit:  Exit{Code: vmcb.ExitHLT, Len: 1},
	})
	if err := c.Run(0, v, phys, &gprs); err != nil {
		t.Fatal(err)
	}
	if got := vmcb.ExitCode(v.Ctrl.ExitCode); got != vmcb.ExitHLT {
		t.Errorf("exit %s, want hlt", got)
	}
	if v.Ctrl.NextRIP != 0x101 {
		t.Errorf("NextRIP = %#x, want 0x101", v.Ctrl.NextRIP)
	}
	if gprs[svm.RBX] != 7 {
		t.Errorf("guest did not run: rbx = %d", gprs[svm.RBX])
	}
	if vs := c.Violations(); len(vs) != 0 {
		t.Errorf("violations: %v", vs)
	}
	if err := c.Run(0, v, phys, &gprs); !errors.Is(err, ErrScriptDone) {
		t.Errorf("Run() past the script = %v, want ErrScriptDone", err)
	}
}

func TestEntryChecks(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mutate func(v *vmcb.VMCB)
		want   string
	}{
		{"svme", func(v *vmcb.VMCB) { v.State.EFER = 0 }, "SVME"},
		{"nw", func(v *vmcb.VMCB) { v.State.CR0 |= 1 << 29 }, "CR0.NW"},
		{"cr0 high", func(v *vmcb.VMCB) { v.State.CR0 |= 1 << 40 }, "reserved"},
		{"vmrun", func(v *vmcb.VMCB) { v.Ctrl.InterceptCtrl2 = 0 }, "VMRUN"},
		{"asid 0", func(v *vmcb.VMCB) { v.Ctrl.TLBCtrl.ASID = 0 }, "ASID 0"},
		{"asid max", func(v *vmcb.VMCB) { v.Ctrl.TLBCtrl.ASID = 16 }, "beyond"},
		{"flush", func(v *vmcb.VMCB) { v.Ctrl.TLBCtrl.Flush = 2 }, "TLB control"},
		{"nmi vector", func(v *vmcb.VMCB) {
			v.Ctrl.EventInject = vmcb.Event{Vector: 2, Type: vmcb.EventException}.Encode()
		}, "exception vector 2"},
		{"error code", func(v *vmcb.VMCB) {
			v.Ctrl.EventInject = vmcb.Event{Vector: vmcb.XcptGP, Type: vmcb.EventException}.Encode()
		}, "error code"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCPU(1, 16)
			v, phys := validBlock(t)
			tt.mutate(v)
			c.Script(v, hltStep())
			var gprs svm.GPRs
			if err := c.Run(0, v, phys, &gprs); err != nil {
				t.Fatal(err)
			}
			if got := vmcb.ExitCode(v.Ctrl.ExitCode); got != vmcb.ExitInvalidState {
				t.Errorf("exit %s, want invalid", got)
			}
			vs := c.Violations()
			if len(vs) != 1 || !strings.Contains(vs[0], tt.want) {
				t.Errorf("violations %q, want one about %q", vs, tt.want)
			}
			if c.Pending(v) != 1 {
				t.Errorf("refused entry consumed a step")
			}
		})
	}
}

func TestStaleCleanBits(t *testing.T) {
	c := NewCPU(1, 16)
	v, phys := validBlock(t)
	c.Script(v, hltStep(), hltStep(), hltStep())
	var gprs svm.GPRs
	run := func() {
		t.Helper()
		if err := c.Run(0, v, phys, &gprs); err != nil {
			t.Fatal(err)
		}
	}

	// Nothing is cached yet: clean bits are ignored.
	v.Ctrl.CleanBits = uint32(vmcb.CleanAll)
	run()
	// Changed through the setter: the area is dirtied.
	v.SetCR3(0x5000)
	run()
	if vs := c.Violations(); len(vs) != 0 {
		t.Fatalf("violations: %v", vs)
	}
	// Changed behind the clean bit's back.
	v.Ctrl.CleanBits = uint32(vmcb.CleanAll)
	v.State.CR3 = 0x6000
	run()
	vs := c.Violations()
	if len(vs) != 1 || !strings.Contains(vs[0], "marked clean but changed") {
		t.Fatalf("violations %q, want one stale area", vs)
	}
}

func TestASIDReuse(t *testing.T) {
	c := NewCPU(1, 16)
	a, physA := validBlock(t)
	b, physB := validBlock(t)
	c.Script(a, hltStep())
	c.Script(b, hltStep(), hltStep())
	var gprs svm.GPRs

	if err := c.Run(0, a, physA, &gprs); err != nil {
		t.Fatal(err)
	}
	// Block b reuses ASID 1 after a flush of that ASID.
	b.Ctrl.TLBCtrl.Flush = vmcb.TLBFlushSingleContext
	if err := c.Run(0, b, physB, &gprs); err != nil {
		t.Fatal(err)
	}
	if vs := c.Violations(); len(vs) != 0 {
		t.Fatalf("violations: %v", vs)
	}

	c.Script(a, hltStep())
	a.Ctrl.TLBCtrl.Flush = vmcb.TLBFlushNothing
	if err := c.Run(0, a, physA, &gprs); err != nil {
		t.Fatal(err)
	}
	vs := c.Violations()
	if len(vs) != 1 || !strings.Contains(vs[0], "reused") {
		t.Fatalf("violations %q, want an ASID reuse", vs)
	}
}

func TestUninterceptedExit(t *testing.T) {
	c := NewCPU(1, 16)
	v, phys := validBlock(t)
	c.Script(v, Step{Exit: Exit{Code: vmcb.ExitCPUID}})
	var gprs svm.GPRs
	if err := c.Run(0, v, phys, &gprs); err != nil {
		t.Fatal(err)
	}
	vs := c.Violations()
	if len(vs) != 1 || !strings.Contains(vs[0], "without its intercept") {
		t.Fatalf("violations %q", vs)
	}
}

func TestInjection(t *testing.T) {
	c := NewCPU(1, 16)
	v, phys := validBlock(t)
	pf := vmcb.Event{Vector: vmcb.XcptPF, Type: vmcb.EventException, HasErrorCode: true, ErrorCode: 2}
	c.Script(v, hltStep(), Step{Exit: Exit{Code: vmcb.ExitHLT}, Undelivered: true})
	var gprs svm.GPRs

	v.Ctrl.EventInject = pf.Encode()
	if err := c.Run(0, v, phys, &gprs); err != nil {
		t.Fatal(err)
	}
	if v.Ctrl.ExitIntInfo != 0 {
		t.Errorf("delivered event reported in EXITINTINFO")
	}
	if err := c.Run(0, v, phys, &gprs); err != nil {
		t.Fatal(err)
	}
	if got, ok := vmcb.DecodeEvent(v.Ctrl.ExitIntInfo); !ok || got != pf {
		t.Errorf("EXITINTINFO = %v, want %v", got, pf)
	}
	if d := c.Delivered(); len(d) != 1 || d[0] != pf {
		t.Errorf("Delivered() = %v", d)
	}
}

func TestIntercepted(t *testing.T) {
	var v vmcb.VMCB
	v.SetInterceptReadCR(3, true)
	v.SetInterceptXcpt(vmcb.XcptPF, true)
	v.SetInterceptCtrl1(vmcb.InterceptCPUID, true)
	v.SetInterceptCtrl3(vmcb.InterceptINVPCID, true)
	for _, tt := range []struct {
		code vmcb.ExitCode
		want bool
	}{
		{vmcb.ExitReadCR0 + 3, true},
		{vmcb.ExitReadCR0, false},
		{vmcb.ExitXcptPF, true},
		{vmcb.ExitXcpt0, false},
		{vmcb.ExitCPUID, true},
		{vmcb.ExitHLT, false},
		{vmcb.ExitINVPCID, true},
		{vmcb.ExitNPF, false},
		{vmcb.ExitInvalidState, true},
	} {
		if got := Intercepted(&v, tt.code); got != tt.want {
			t.Errorf("Intercepted(%s) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestKeepRuns(t *testing.T) {
	c := NewCPU(1, 16)
	c.KeepRuns = 2
	v, phys := validBlock(t)
	c.Default = func(r *Run) Step { return hltStep() }
	var gprs svm.GPRs
	for i := 0; i < 5; i++ {
		if err := c.Run(0, v, phys, &gprs); err != nil {
			t.Fatal(err)
		}
	}
	runs := c.Runs()
	if len(runs) != 2 || runs[1].Seq != 5 {
		t.Fatalf("Runs() = %+v, want the last two", runs)
	}
}
