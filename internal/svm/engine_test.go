package svm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/simcpu"
	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

func newMachine(t *testing.T, cfg simcpu.MachineConfig) *simcpu.Machine {
	t.Helper()
	if cfg.Caps.MaxASID == 0 {
		cfg.Caps.MaxASID = 16
	}
	m, err := simcpu.NewMachine(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func hlt() simcpu.Step { return simcpu.Step{Exit: simcpu.Exit{Code: vmcb.ExitHLT, Len: 1}} }

func TestOpenRejectsTinyASIDSpace(t *testing.T) {
	for _, n := range []uint32{0, 1} {
		_, err := simcpu.NewMachine(simcpu.MachineConfig{Caps: hv.Capabilities{MaxASID: n}})
		if !errors.Is(err, hv.ErrFeatureUnsupported) {
			t.Errorf("MaxASID %d: err = %v, want ErrFeatureUnsupported", n, err)
		}
	}
}

func TestOpenEnablesEveryCPU(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{HostCPUs: 3})
	if got := m.Host.Enables(); got != 3 {
		t.Fatalf("Enables() = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if !m.Engine.HostCPUs().CPU(i).Enabled() {
			t.Errorf("cpu %d not armed", i)
		}
	}
	if err := m.Engine.Suspend(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if m.Host.Enabled(i) {
			t.Errorf("cpu %d still armed after Suspend", i)
		}
	}
	gen := m.Engine.HostCPUs().CPU(0).FlushGeneration.Load()
	if err := m.Engine.Resume(); err != nil {
		t.Fatal(err)
	}
	if m.Engine.HostCPUs().CPU(0).FlushGeneration.Load() == gen {
		t.Error("Resume kept the flush generation")
	}
	if _, err := m.Engine.HostCPUs().EnsureEnabled(0); err != nil {
		t.Fatal(err)
	}
	if !m.Host.Enabled(0) || m.Host.Enables() != 4 {
		t.Errorf("cpu 0 not re-armed on use: enables %d", m.Host.Enables())
	}
}

func TestPendingEventSlot(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{})
	vc := m.VM.VCPU(0)
	ev := vmcb.Event{Vector: 0x30, Type: vmcb.EventExtInt}
	if err := vc.SetPendingEvent(ev, 0); err != nil {
		t.Fatal(err)
	}
	err := vc.SetPendingEvent(vmcb.Event{Vector: 0x31, Type: vmcb.EventExtInt}, 0)
	if !errors.Is(err, svm.ErrEventAlreadyPending) {
		t.Fatalf("second SetPendingEvent() = %v", err)
	}
	if got, ok := vc.PendingEvent(); !ok || got != ev {
		t.Errorf("slot overwritten: %v", got)
	}
	vc.ClearPendingEvent()
	if _, ok := vc.PendingEvent(); ok {
		t.Error("ClearPendingEvent left the slot busy")
	}
}

func TestRunOnceNeedsContext(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{})
	vc := m.VM.VCPU(0)
	if _, err := vc.RunOnce(context.Background()); !errors.Is(err, svm.ErrNotEntered) {
		t.Fatalf("RunOnce() = %v, want ErrNotEntered", err)
	}
	if err := vc.LeaveContext(); !errors.Is(err, svm.ErrNotEntered) {
		t.Fatalf("LeaveContext() = %v, want ErrNotEntered", err)
	}
}

func TestRunOnceAfterClose(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{})
	vc := m.VM.VCPU(0)
	if err := vc.EnterContext(); err != nil {
		t.Fatal(err)
	}
	if err := m.Engine.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := vc.RunOnce(context.Background()); !errors.Is(err, svm.ErrAlreadyClosed) {
		t.Fatalf("RunOnce() = %v, want ErrAlreadyClosed", err)
	}
}

func TestHalt(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{Caps: hv.Capabilities{NRIPSave: true}})
	vc := m.VM.VCPU(0)
	m.CPU.Script(vc.VMCB(), hlt())
	if err := vc.EnterContext(); err != nil {
		t.Fatal(err)
	}
	defer vc.LeaveContext()

	reason, err := vc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if reason.Kind != svm.ExitHalt || reason.Code != vmcb.ExitHLT {
		t.Fatalf("RunOnce() = %s, want halt", reason)
	}
	if rip := vc.Context(svm.StateRIP).RIP; rip != 0xfff1 {
		t.Errorf("rip = %#x, want 0xfff1", rip)
	}
	if vs := m.CPU.Violations(); len(vs) != 0 {
		t.Errorf("violations: %v", vs)
	}
}

// A host request raised after the last interruptible check makes the
// engine back out of the switch, and the ASID it picked is not trusted.
func TestCommitAbort(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{})
	vc := m.VM.VCPU(0)
	fired := false
	m.Host.OnDisableInterrupts = func() {
		if !fired {
			fired = true
			vc.Request(svm.RequestTimer)
		}
	}
	m.CPU.Script(vc.VMCB(), hlt())
	if err := vc.EnterContext(); err != nil {
		t.Fatal(err)
	}
	defer vc.LeaveContext()

	reason, err := vc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if reason.Kind != svm.ExitToHost || reason.Requests&svm.RequestTimer == 0 {
		t.Fatalf("RunOnce() = %s, want a return for the timer", reason)
	}
	if len(m.CPU.Runs()) != 0 {
		t.Fatal("aborted switch reached VMRUN")
	}
	if vc.LastHostCPU() != -1 {
		t.Errorf("LastHostCPU() = %d after abort", vc.LastHostCPU())
	}
	vc.Ack(svm.RequestTimer)

	reason, err = vc.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if reason.Kind != svm.ExitHalt {
		t.Fatalf("RunOnce() = %s, want halt", reason)
	}
	runs := m.CPU.Runs()
	if len(runs) != 1 || runs[0].ASID != 2 || runs[0].Flush == vmcb.TLBFlushNothing {
		t.Fatalf("runs = %+v, want one flushed run on a fresh ASID", runs)
	}
	st := vc.Stats()
	if st.Aborts != 1 || st.ToHost != 1 || st.Runs != 1 || st.NewASIDs != 2 {
		t.Errorf("stats = %+v", st)
	}
}

// On every host CPU, ASIDs only go down again together with a flush of
// the entire TLB.
func TestASIDsWrapWithFullFlush(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{
		Caps:     hv.Capabilities{MaxASID: 4, FlushByASID: true},
		HostCPUs: 2,
	})
	m.Host.SetRoundRobin(true)
	m.CPU.Default = func(r *simcpu.Run) simcpu.Step { return hlt() }
	vc := m.VM.VCPU(0)
	if err := vc.EnterContext(); err != nil {
		t.Fatal(err)
	}
	defer vc.LeaveContext()
	for i := 0; i < 20; i++ {
		if _, err := vc.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	last := map[int]uint32{}
	for _, r := range m.CPU.Runs() {
		if r.ASID == 0 || r.ASID >= 4 {
			t.Fatalf("run %d: asid %d outside 1..3", r.Seq, r.ASID)
		}
		if prev, ok := last[r.HostCPU]; ok && r.ASID <= prev && r.Flush != vmcb.TLBFlushEntire {
			t.Errorf("run %d: cpu %d went from asid %d to %d with flush %s",
				r.Seq, r.HostCPU, prev, r.ASID, r.Flush)
		}
		if r.Flush == vmcb.TLBFlushNothing {
			t.Errorf("run %d: migrated without a flush", r.Seq)
		}
		last[r.HostCPU] = r.ASID
	}
	if wraps := m.Engine.HostCPUs().CPU(0).ASIDWraps; wraps == 0 {
		t.Error("cpu 0 never wrapped")
	}
	if vs := m.CPU.Violations(); len(vs) != 0 {
		t.Errorf("violations: %v", vs)
	}
}

func TestCPUOfflineInvalidatesASIDs(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{Caps: hv.Capabilities{FlushByASID: true}})
	vc := m.VM.VCPU(0)
	m.CPU.Script(vc.VMCB(), hlt(), hlt(), hlt())
	if err := vc.EnterContext(); err != nil {
		t.Fatal(err)
	}
	defer vc.LeaveContext()
	run := func() {
		t.Helper()
		if _, err := vc.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	run()
	run()
	if err := m.Engine.CPUOffline(0); err != nil {
		t.Fatal(err)
	}
	run()

	var flushes []vmcb.TLBFlush
	for _, r := range m.CPU.Runs() {
		flushes = append(flushes, r.Flush)
	}
	want := []vmcb.TLBFlush{vmcb.TLBFlushSingleContext, vmcb.TLBFlushNothing, vmcb.TLBFlushSingleContext}
	for i := range want {
		if i >= len(flushes) || flushes[i] != want[i] {
			t.Fatalf("flushes = %v, want %v", flushes, want)
		}
	}
}

func TestVMRun(t *testing.T) {
	const (
		vcpus  = 4
		halts  = 25
		cpuids = 2
	)
	m := newMachine(t, simcpu.MachineConfig{
		Caps:     hv.Capabilities{MaxASID: 8, NRIPSave: true, VMCBClean: true, FlushByASID: true},
		HostCPUs: 2,
		VM:       svm.VMConfig{NumVCPUs: vcpus},
	})
	m.Host.SetRoundRobin(true)
	// Default runs under the CPU model's lock.
	count := map[*vmcb.VMCB]int{}
	m.CPU.Default = func(r *simcpu.Run) simcpu.Step {
		count[r.VMCB]++
		if count[r.VMCB]%(cpuids+1) != 0 {
			return simcpu.Step{Exit: simcpu.Exit{Code: vmcb.ExitCPUID, Len: 2}}
		}
		return hlt()
	}

	seen := make([]int, vcpus)
	err := m.VM.Run(context.Background(), func(ctx context.Context, vc *svm.VCPU, reason svm.ExitReason) (bool, error) {
		if reason.Kind != svm.ExitHalt {
			return false, reason.Err()
		}
		seen[vc.ID()]++
		return seen[vc.ID()] < halts, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, n := range seen {
		if n != halts {
			t.Errorf("vcpu %d halted %d times", i, n)
		}
	}
	st := m.VM.Stats()
	if st.ByExit[vmcb.ExitHLT] != vcpus*halts {
		t.Errorf("hlt exits = %d", st.ByExit[vmcb.ExitHLT])
	}
	if st.ByExit[vmcb.ExitCPUID] != vcpus*halts*cpuids {
		t.Errorf("cpuid exits = %d", st.ByExit[vmcb.ExitCPUID])
	}
	if vs := m.CPU.Violations(); len(vs) != 0 {
		t.Errorf("violations: %v", vs)
	}
}

func TestVMRunStop(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{VM: svm.VMConfig{NumVCPUs: 2}})
	m.CPU.Default = func(r *simcpu.Run) simcpu.Step { return hlt() }
	err := m.VM.Run(context.Background(), func(ctx context.Context, vc *svm.VCPU, reason svm.ExitReason) (bool, error) {
		vc.VM().Stop()
		return true, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.VM.VCPU(0).Requests()&svm.RequestStop != 0 {
		t.Error("RequestStop still raised after Run")
	}
}

func TestVMRunCancelled(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{})
	m.CPU.Default = func(r *simcpu.Run) simcpu.Step { return hlt() }
	ctx, cancel := context.WithCancel(context.Background())
	err := m.VM.Run(ctx, func(ctx context.Context, vc *svm.VCPU, reason svm.ExitReason) (bool, error) {
		cancel()
		return true, nil
	})
	if err != nil {
		t.Fatalf("Run() = %v after cancel", err)
	}
}
