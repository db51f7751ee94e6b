package simcpu

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

func TestInterruptQueue(t *testing.T) {
	p := NewPlatform()
	if _, ok, _ := p.PendingInterrupt(0); ok {
		t.Fatal("interrupt pending on an empty queue")
	}
	p.RaiseIRQ(0, 0x30)
	p.RaiseIRQ(0, 0x50)
	p.RaiseIRQ(0, 0x30)
	p.RaiseIRQ(1, 0x20)

	vec, ok, err := p.PendingInterrupt(0)
	if err != nil || !ok || vec != 0x50 {
		t.Fatalf("PendingInterrupt() = %#x, %v, %v; want the highest vector", vec, ok, err)
	}
	if err := p.AckInterrupt(0, 0x50); err != nil {
		t.Fatal(err)
	}
	if err := p.AckInterrupt(0, 0x50); err == nil {
		t.Error("acknowledged a vector twice")
	}
	if diff := cmp.Diff([]uint8{0x30}, p.PendingIRQs(0)); diff != "" {
		t.Errorf("pending (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint8{0x20}, p.PendingIRQs(1)); diff != "" {
		t.Errorf("vcpu 1 pending (-want +got):\n%s", diff)
	}
}

func TestPlatformMSRs(t *testing.T) {
	p := NewPlatform()
	if _, err := p.ReadMSR(0, 0x1b); !errors.Is(err, errNoMSR) {
		t.Fatalf("ReadMSR() of an unknown MSR = %v", err)
	}
	if err := p.WriteMSR(0, 0x1b, 1); !errors.Is(err, errNoMSR) {
		t.Fatalf("WriteMSR() of an unknown MSR = %v", err)
	}
	p.SetMSR(0, 0x1b, 0xfee00900)
	if err := p.WriteMSR(0, 0x1b, 0xfee00800); err != nil {
		t.Fatal(err)
	}
	if v, err := p.ReadMSR(0, 0x1b); err != nil || v != 0xfee00800 {
		t.Fatalf("ReadMSR() = %#x, %v", v, err)
	}
	if _, err := p.ReadMSR(1, 0x1b); err == nil {
		t.Error("MSR leaked to another vcpu")
	}
}

func TestPlatformPorts(t *testing.T) {
	p := NewPlatform()
	var val uint32
	if err := p.IOPort(0, 0x80, 1, false, &val); err != nil {
		t.Fatal(err)
	}
	if val != 0xffff_ffff {
		t.Errorf("unbacked port read %#x", val)
	}
	val = 0x41
	if err := p.IOPort(0, 0x3f8, 1, true, &val); err != nil {
		t.Fatal(err)
	}
	val = 0
	if err := p.IOPort(0, 0x3f8, 1, false, &val); err != nil {
		t.Fatal(err)
	}
	if val != 0x41 {
		t.Errorf("port read back %#x", val)
	}
	want := []IOAccess{
		{Port: 0x80, Size: 1, Value: 0xffff_ffff},
		{Port: 0x3f8, Size: 1, Write: true, Value: 0x41},
		{Port: 0x3f8, Size: 1, Value: 0x41},
	}
	if diff := cmp.Diff(want, p.IO()); diff != "" {
		t.Errorf("accesses (-want +got):\n%s", diff)
	}
}

func TestDefaultCPUID(t *testing.T) {
	p := NewPlatform()
	_, ebx, ecx, edx := p.CPUID(0, 0, 0)
	var vendor []byte
	for _, r := range []uint32{ebx, edx, ecx} {
		vendor = append(vendor, byte(r), byte(r>>8), byte(r>>16), byte(r>>24))
	}
	if string(vendor) != "AuthenticAMD" {
		t.Errorf("vendor %q", vendor)
	}
	if _, ebx, _, _ := p.CPUID(3, 1, 0); ebx>>24 != 3 {
		t.Errorf("APIC id %d, want 3", ebx>>24)
	}
}

func TestInterpreterDefault(t *testing.T) {
	var in Interpreter
	ctx := svm.GuestContext{RIP: 0x10}
	res, err := in.ExecOne(0, &ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != svm.EmuOK || ctx.RIP != 0x11 || in.Calls() != 1 {
		t.Errorf("ExecOne() = %+v, rip %#x, calls %d", res, ctx.RIP, in.Calls())
	}
}

func TestHostPinExclusive(t *testing.T) {
	h := NewHost(1)
	var (
		mu     sync.Mutex
		inside int
		worst  int
		wg     sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, unpin := h.Pin()
				mu.Lock()
				inside++
				worst = max(worst, inside)
				mu.Unlock()
				mu.Lock()
				inside--
				mu.Unlock()
				unpin()
			}
		}()
	}
	wg.Wait()
	if worst != 1 {
		t.Fatalf("%d threads pinned to one cpu at once", worst)
	}
}

func TestHostMigrate(t *testing.T) {
	h := NewHost(3)
	h.Migrate(2)
	cpu, unpin := h.Pin()
	unpin()
	if cpu != 2 {
		t.Fatalf("Pin() = %d after Migrate(2)", cpu)
	}
	h.SetRoundRobin(true)
	var got []int
	for i := 0; i < 4; i++ {
		cpu, unpin := h.Pin()
		unpin()
		got = append(got, cpu)
	}
	if diff := cmp.Diff([]int{2, 0, 1, 2}, got); diff != "" {
		t.Errorf("round robin (-want +got):\n%s", diff)
	}
}

func TestNestedVMRUN(t *testing.T) {
	m, err := NewMachine(MachineConfig{
		Caps: hv.Capabilities{MaxASID: 16},
		VM:   svm.VMConfig{NestedHWVirt: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	vc := m.VM.VCPU(0)

	if _, err := m.Nested.Exec(vc, vmcb.ExitVMRUN); err != nil {
		t.Fatal(err)
	}
	if !vc.InNestedGuest() || !vc.Nested().GIF {
		t.Fatalf("VMRUN did not enter the nested guest with GIF set")
	}
	if _, err := m.Nested.Exec(vc, vmcb.ExitVMRUN); err == nil {
		t.Error("VMRUN inside the nested guest succeeded")
	}
	if err := vc.LeaveNestedGuest(); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Nested.Exec(vc, vmcb.ExitCLGI); err != nil {
		t.Fatal(err)
	}
	if vc.Nested().GIF {
		t.Error("CLGI left GIF set")
	}
	want := []vmcb.ExitCode{vmcb.ExitVMRUN, vmcb.ExitVMRUN, vmcb.ExitCLGI}
	if diff := cmp.Diff(want, m.Nested.Execs()); diff != "" {
		t.Errorf("execs (-want +got):\n%s", diff)
	}
}
