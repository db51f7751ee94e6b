package vmcb

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"unsafe"
)

func TestControlLayout(t *testing.T) {
	var c Control
	for _, tt := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"InterceptReadCR", unsafe.Offsetof(c.InterceptReadCR), 0x000},
		{"InterceptWriteCR", unsafe.Offsetof(c.InterceptWriteCR), 0x002},
		{"InterceptReadDR", unsafe.Offsetof(c.InterceptReadDR), 0x004},
		{"InterceptWriteDR", unsafe.Offsetof(c.InterceptWriteDR), 0x006},
		{"InterceptXcpt", unsafe.Offsetof(c.InterceptXcpt), 0x008},
		{"InterceptCtrl1", unsafe.Offsetof(c.InterceptCtrl1), 0x00c},
		{"InterceptCtrl2", unsafe.Offsetof(c.InterceptCtrl2), 0x010},
		{"InterceptCtrl3", unsafe.Offsetof(c.InterceptCtrl3), 0x014},
		{"PauseFilterThreshold", unsafe.Offsetof(c.PauseFilterThreshold), 0x03c},
		{"PauseFilterCount", unsafe.Offsetof(c.PauseFilterCount), 0x03e},
		{"IOPMPhysAddr", unsafe.Offsetof(c.IOPMPhysAddr), 0x040},
		{"MSRPMPhysAddr", unsafe.Offsetof(c.MSRPMPhysAddr), 0x048},
		{"TSCOffset", unsafe.Offsetof(c.TSCOffset), 0x050},
		{"TLBCtrl", unsafe.Offsetof(c.TLBCtrl), 0x058},
		{"IntCtrl", unsafe.Offsetof(c.IntCtrl), 0x060},
		{"IntShadow", unsafe.Offsetof(c.IntShadow), 0x068},
		{"ExitCode", unsafe.Offsetof(c.ExitCode), 0x070},
		{"ExitInfo1", unsafe.Offsetof(c.ExitInfo1), 0x078},
		{"ExitInfo2", unsafe.Offsetof(c.ExitInfo2), 0x080},
		{"ExitIntInfo", unsafe.Offsetof(c.ExitIntInfo), 0x088},
		{"NestedCtrl", unsafe.Offsetof(c.NestedCtrl), 0x090},
		{"AVICBar", unsafe.Offsetof(c.AVICBar), 0x098},
		{"GHCBPhysAddr", unsafe.Offsetof(c.GHCBPhysAddr), 0x0a0},
		{"EventInject", unsafe.Offsetof(c.EventInject), 0x0a8},
		{"NestedCR3", unsafe.Offsetof(c.NestedCR3), 0x0b0},
		{"LBRVirtCtrl", unsafe.Offsetof(c.LBRVirtCtrl), 0x0b8},
		{"CleanBits", unsafe.Offsetof(c.CleanBits), 0x0c0},
		{"NextRIP", unsafe.Offsetof(c.NextRIP), 0x0c8},
		{"InstrFetched", unsafe.Offsetof(c.InstrFetched), 0x0d0},
		{"InstrBytes", unsafe.Offsetof(c.InstrBytes), 0x0d1},
		{"AVICBackingPage", unsafe.Offsetof(c.AVICBackingPage), 0x0e0},
		{"AVICLogicalTable", unsafe.Offsetof(c.AVICLogicalTable), 0x0f0},
		{"AVICPhysicalTable", unsafe.Offsetof(c.AVICPhysicalTable), 0x0f8},
		{"VMSAPhysAddr", unsafe.Offsetof(c.VMSAPhysAddr), 0x108},
	} {
		if tt.got != tt.want {
			t.Errorf("Control.%s at %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
	if got := unsafe.Offsetof(c.TLBCtrl.Flush); got != 4 {
		t.Errorf("TLBCtrl.Flush at %#x, want 0x4", got)
	}
}

func TestStateSaveLayout(t *testing.T) {
	var v VMCB
	if got := unsafe.Offsetof(v.State); got != StateSaveOffset {
		t.Fatalf("State at %#x, want %#x", got, StateSaveOffset)
	}
	s := v.State
	for _, tt := range []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"ES", unsafe.Offsetof(s.ES), 0x000},
		{"CS", unsafe.Offsetof(s.CS), 0x010},
		{"GDTR", unsafe.Offsetof(s.GDTR), 0x060},
		{"TR", unsafe.Offsetof(s.TR), 0x090},
		{"CPL", unsafe.Offsetof(s.CPL), 0x0cb},
		{"EFER", unsafe.Offsetof(s.EFER), 0x0d0},
		{"CR4", unsafe.Offsetof(s.CR4), 0x148},
		{"CR3", unsafe.Offsetof(s.CR3), 0x150},
		{"CR0", unsafe.Offsetof(s.CR0), 0x158},
		{"DR7", unsafe.Offsetof(s.DR7), 0x160},
		{"DR6", unsafe.Offsetof(s.DR6), 0x168},
		{"RFLAGS", unsafe.Offsetof(s.RFLAGS), 0x170},
		{"RIP", unsafe.Offsetof(s.RIP), 0x178},
		{"RSP", unsafe.Offsetof(s.RSP), 0x1d8},
		{"RAX", unsafe.Offsetof(s.RAX), 0x1f8},
		{"STAR", unsafe.Offsetof(s.STAR), 0x200},
		{"KernelGSBase", unsafe.Offsetof(s.KernelGSBase), 0x220},
		{"SysenterEIP", unsafe.Offsetof(s.SysenterEIP), 0x238},
		{"CR2", unsafe.Offsetof(s.CR2), 0x240},
		{"PAT", unsafe.Offsetof(s.PAT), 0x268},
		{"DebugCtl", unsafe.Offsetof(s.DebugCtl), 0x270},
		{"LastExcpTo", unsafe.Offsetof(s.LastExcpTo), 0x290},
	} {
		if tt.got != tt.want {
			t.Errorf("StateSave.%s at %#x, want %#x", tt.name, tt.got, tt.want)
		}
	}
	if got := unsafe.Sizeof(Segment{}); got != 16 {
		t.Errorf("Segment is %d bytes, want 16", got)
	}
}

func TestBytesAliasesBlock(t *testing.T) {
	var v VMCB
	v.Ctrl.ExitCode = uint64(ExitCPUID)
	if got := v.Bytes()[0x70]; got != byte(ExitCPUID) {
		t.Fatalf("raw exit code byte = %#x, want %#x", got, byte(ExitCPUID))
	}
	v.State.RIP = 0x1122334455667788
	if got := v.Bytes()[StateSaveOffset+0x178]; got != 0x88 {
		t.Fatalf("raw RIP low byte = %#x, want 0x88", got)
	}
}

func TestCopyControlDirtiesEverything(t *testing.T) {
	var src, dst VMCB
	src.Ctrl.InterceptCtrl1 = InterceptCPUID
	src.Ctrl.CleanBits = uint32(CleanAll)
	dst.CopyControl(&src)
	if dst.Ctrl.InterceptCtrl1 != InterceptCPUID {
		t.Fatalf("intercepts not copied")
	}
	if dst.Clean() != 0 {
		t.Fatalf("clean bits = %s, want none", dst.Clean())
	}
}

func TestExitCodeNames(t *testing.T) {
	seen := make(map[string]ExitCode)
	for _, c := range AllExitCodes() {
		name := c.String()
		if strings.HasPrefix(name, "exit-") {
			t.Errorf("exit %#x has no name", uint64(c))
		}
		if prev, ok := seen[name]; ok {
			t.Errorf("exits %#x and %#x share name %q", uint64(prev), uint64(c), name)
		}
		seen[name] = c
		back, ok := ParseExitCode(name)
		if !ok || back != c {
			t.Errorf("ParseExitCode(%q) = %#x, %v", name, uint64(back), ok)
		}
	}
	if v, ok := ExitXcptPF.IsException(); !ok || v != XcptPF {
		t.Errorf("ExitXcptPF.IsException() = %d, %v", v, ok)
	}
	if _, ok := ExitCPUID.IsException(); ok {
		t.Errorf("ExitCPUID reported as exception")
	}
}

func TestEventEncoding(t *testing.T) {
	for _, tt := range []struct {
		ev  Event
		raw uint64
	}{
		{Event{Vector: XcptDF, Type: EventException, HasErrorCode: true}, 0x0000_0000_8000_0b08},
		{Event{Vector: 2, Type: EventNMI}, 0x8000_0202},
		{Event{Vector: 0x30, Type: EventExtInt}, 0x8000_0030},
		{Event{Vector: XcptPF, Type: EventException, HasErrorCode: true, ErrorCode: 0x6}, 0x0000_0006_8000_0b0e},
	} {
		if got := tt.ev.Encode(); got != tt.raw {
			t.Errorf("%v.Encode() = %#x, want %#x", tt.ev, got, tt.raw)
		}
		back, ok := DecodeEvent(tt.raw)
		if !ok || back != tt.ev {
			t.Errorf("DecodeEvent(%#x) = %v, %v; want %v", tt.raw, back, ok, tt.ev)
		}
	}
	if _, ok := DecodeEvent(0x0b0e); ok {
		t.Errorf("DecodeEvent accepted an event without the valid bit")
	}
}

func TestMSRPM(t *testing.T) {
	var m MSRPM
	m.SetAll()
	const lstar = 0xc0000082
	if err := m.Set(lstar, MSRReadWrite, false); err != nil {
		t.Fatal(err)
	}
	if m.Intercepts(lstar, MSRRead) || m.Intercepts(lstar, MSRWrite) {
		t.Fatalf("LSTAR still intercepted")
	}
	if err := m.Set(lstar, MSRWrite, true); err != nil {
		t.Fatal(err)
	}
	if m.Intercepts(lstar, MSRRead) || !m.Intercepts(lstar, MSRWrite) {
		t.Fatalf("LSTAR read=%v write=%v, want read pass-through, write intercepted",
			m.Intercepts(lstar, MSRRead), m.Intercepts(lstar, MSRWrite))
	}
	// byte 0x800 holds the first MSR of the second range
	if err := m.Set(0xc0000000, MSRReadWrite, false); err != nil {
		t.Fatal(err)
	}
	if m[0x800]&0x3 != 0 {
		t.Fatalf("MSR 0xc0000000 bits at wrong offset: %#x", m[0x800])
	}
	if err := m.Set(0x40000000, MSRRead, false); err == nil {
		t.Fatalf("Set accepted an unmapped MSR")
	}
	if !m.Intercepts(0x40000000, MSRRead) {
		t.Fatalf("unmapped MSR must always be intercepted")
	}

	var inner, outer MSRPM
	_ = inner.Set(0x10, MSRRead, true)
	_ = outer.Set(0x10, MSRWrite, true)
	inner.Merge(&outer)
	if !inner.Intercepts(0x10, MSRRead) || !inner.Intercepts(0x10, MSRWrite) {
		t.Fatalf("merge lost an intercept")
	}
}

func TestIOPM(t *testing.T) {
	var p IOPM
	p.Set(0x3f8, 8, true)
	if !p.Intercepts(0x3f8, 1) || !p.Intercepts(0x3ff, 1) {
		t.Fatalf("serial ports not intercepted")
	}
	if p.Intercepts(0x400, 1) {
		t.Fatalf("port 0x400 intercepted")
	}
	if !p.Intercepts(0x3f6, 4) {
		t.Fatalf("access overlapping an intercepted port must be intercepted")
	}
	// a 4-byte access at 0xffff touches bits beyond the last port
	p.SetAll()
	p.Set(0xfffc, 4, false)
	if p.Intercepts(0xfffc, 4) {
		t.Fatalf("ports 0xfffc-0xffff still intercepted")
	}
	if !p.Intercepts(0xffff, 2) {
		t.Fatalf("wrap-around bits must stay intercepted")
	}
}

type failingAllocator struct{}

func (failingAllocator) Alloc(int) ([]byte, uint64, error) { return nil, 0, errors.New("nope") }
func (failingAllocator) Free([]byte) error                 { return nil }

func TestAlloc(t *testing.T) {
	v, pages, err := AllocVMCB(HeapAllocator{})
	if err != nil {
		t.Fatal(err)
	}
	if uintptr(unsafe.Pointer(v))%pageSize != 0 {
		t.Fatalf("control block not page aligned")
	}
	if pages.Phys == 0 {
		t.Fatalf("no physical address reported")
	}
	m, _, err := AllocMSRPM(HeapAllocator{})
	if err != nil {
		t.Fatal(err)
	}
	if !m.Intercepts(0x10, MSRReadWrite) {
		t.Fatalf("fresh MSRPM must intercept everything")
	}
	if _, _, err := AllocVMCB(failingAllocator{}); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("AllocVMCB error = %v, want ErrNoMemory", err)
	}
}

func TestDump(t *testing.T) {
	var v VMCB
	v.Ctrl.ExitCode = uint64(ExitInvalidState)
	v.State.RIP = 0xfff0
	var buf bytes.Buffer
	if _, err := v.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"[ctrl]", "exit_code", "0xffffffffffffffff", "rip", "0x000000000000fff0", "[raw]"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q", want)
		}
	}
}
