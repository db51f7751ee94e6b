package svm

import (
	"fmt"

	"github.com/tinyrange/svm/internal/debug"
	"github.com/tinyrange/svm/internal/timeslice"
	"github.com/tinyrange/svm/internal/vmcb"
)

var (
	tsHost     = timeslice.RegisterKind("svm_host", 0)
	tsPreRun   = timeslice.RegisterKind("svm_prerun", 0)
	tsGuest    = timeslice.RegisterKind("svm_guest", timeslice.SliceFlagGuestTime)
	tsDispatch = timeslice.RegisterKind("svm_dispatch", 0)
)

// transient lives for one pass through the world switch.
type transient struct {
	vmcb   *vmcb.VMCB
	phys   uint64
	nested bool
	// restart is set when the pass switched control blocks before the
	// guest ran and must be started over.
	restart         bool
	updateTSCOffset bool

	hostCPU       int
	hc            *HostCPU
	unpin         func()
	restoreIF     func()
	hostTSCAux    uint64
	tscAuxSwapped bool
	flush         vmcb.TLBFlush
	clean         uint32

	injected  vmcb.Event
	didInject bool

	exitCode    vmcb.ExitCode
	exitInfo1   uint64
	exitInfo2   uint64
	exitIntInfo uint64
	nextRIP     uint64

	vectoring         vmcb.Event
	hasVectoring      bool
	vectoringPF       bool
	vectoringDoublePF bool
}

// runIteration performs one world switch and handles the resulting exit.
func (vc *VCPU) runIteration() (ExitReason, error) {
	t := transient{hostCPU: -1}
	vc.slices.Record(tsHost)

	reason, stop, err := vc.preRun(&t)
	vc.slices.Record(tsPreRun)
	if err != nil || stop {
		if reason.Kind == ExitToHost {
			vc.stats.ToHost++
		}
		return reason, err
	}

	reason, aborted, err := vc.commit(&t)
	if err != nil || aborted {
		if reason.Kind == ExitToHost {
			vc.stats.ToHost++
		}
		return reason, err
	}

	runErr := vc.run(&t)
	vc.postRun(&t)
	vc.slices.Record(tsGuest)
	vc.traceExit(&t)

	if runErr != nil || t.exitCode == vmcb.ExitInvalidState {
		err := &InvalidStateError{VCPU: vc.id, HostCPU: t.hostCPU, Code: t.exitCode, Block: *t.vmcb, Err: runErr}
		vc.log.Error("guest entry failed", "cpu", t.hostCPU, "exit", t.exitCode.String(), "err", runErr)
		return ExitReason{Kind: ExitInvalidState, Code: t.exitCode, Why: "vmrun failed"}, err
	}

	vc.stats.Exits++
	vc.stats.ByExit[t.exitCode]++

	reason, err = vc.handleExit(&t)
	vc.slices.Record(tsDispatch)
	if err != nil {
		return reason, err
	}
	if reason.Code == 0 {
		reason.Code = t.exitCode
	}
	if reason.Kind == ExitToHost {
		vc.stats.ToHost++
	}
	return reason, nil
}

// preRun is the interruptible part of the switch. It may return to the
// caller instead of entering the guest.
func (vc *VCPU) preRun(t *transient) (ExitReason, bool, error) {
	if reqs := vc.Requests() & hostRequests; reqs != 0 {
		return ExitReason{Kind: ExitToHost, Why: "host request", Requests: reqs}, true, nil
	}

	if tr := vc.hostTrap; tr != nil {
		vc.hostTrap = nil
		if err := vc.SetPendingEvent(tr.event, tr.cr2); err != nil {
			return ExitReason{}, true, err
		}
	}

	t.vmcb, t.phys = vc.current()
	t.nested = vc.nested.InGuest
	if t.nested {
		vc.mergeNested()
	}

	reason, err := vc.evaluateEvents(t)
	if err != nil {
		return ExitReason{}, true, err
	}
	if t.restart || reason.Kind != ExitContinue {
		return reason, true, nil
	}

	_, timer := vc.vm.cfg.Platform.TSCDeadline(vc.id)
	t.updateTSCOffset = vc.tscDirty || t.nested || timer ||
		t.vmcb.InterceptsCtrl1(vmcb.InterceptRDTSC)

	if vc.dirty != 0 {
		exportState(t.vmcb, &vc.ctx, vc.dirty)
		vc.dirty = 0
	}
	return continueReason, false, nil
}

// commit runs with preemption disabled. Past the final request check
// nothing may fail or wait.
func (vc *VCPU) commit(t *transient) (ExitReason, bool, error) {
	e := vc.vm.e
	host := e.cfg.Host

	cpu, unpin := host.Pin()
	t.hostCPU, t.unpin = cpu, unpin
	hc, err := e.cpus.EnsureEnabled(cpu)
	if err != nil {
		unpin()
		return ExitReason{}, true, fmt.Errorf("svm: vcpu %d: %w", vc.id, err)
	}
	t.hc = hc
	v := t.vmcb

	// Whatever hardware cached for this block belongs to another CPU or
	// to another block.
	if cpu != vc.lastHostCPU || v != vc.lastRunBlock {
		v.MarkDirty(vmcb.CleanAll)
	}

	vc.injectPending(t)

	if !vc.debugLoaded && vc.Context(StateDR7).DR[7]&dr7Enabled != 0 {
		vc.loadGuestDebug(v)
	}

	if t.updateTSCOffset || cpu != vc.lastHostCPU {
		vc.updateTSC(t)
	}
	vc.swapTSCAux(t)

	t.flush = FlushTaggedTLB(hc, vc, v)

	t.restoreIF = host.DisableInterrupts()
	if reqs := vc.Requests() & hostRequests; reqs != 0 {
		t.restoreIF()
		vc.restoreTSCAux(t)
		vc.uninject(t)
		// The ASID chosen above was never flushed.
		vc.lastHostCPU = -1
		unpin()
		vc.stats.Aborts++
		return ExitReason{Kind: ExitToHost, Why: "request during commit", Requests: reqs}, true, nil
	}
	return continueReason, false, nil
}

func (vc *VCPU) run(t *transient) error {
	vc.stats.Runs++
	t.clean = t.vmcb.Ctrl.CleanBits
	return vc.vm.cfg.Switcher.Run(t.hostCPU, t.vmcb, t.phys, &vc.ctx.GPR)
}

// postRun restores the host and reads back what the exit needs.
func (vc *VCPU) postRun(t *transient) {
	t.restoreIF()
	v := t.vmcb

	t.exitCode = vmcb.ExitCode(v.Ctrl.ExitCode)
	t.exitInfo1 = v.Ctrl.ExitInfo1
	t.exitInfo2 = v.Ctrl.ExitInfo2
	t.exitIntInfo = v.Ctrl.ExitIntInfo
	t.nextRIP = v.Ctrl.NextRIP

	vc.restoreTSCAux(t)

	// Everything in the block is now what hardware last loaded. Later
	// changes clear bits again through the setters.
	if vc.vm.e.caps.VMCBClean {
		v.Ctrl.CleanBits = uint32(vmcb.CleanAll)
	} else {
		v.Ctrl.CleanBits = 0
	}
	v.Ctrl.TLBCtrl.Flush = vmcb.TLBFlushNothing
	vc.lastRunBlock = v

	vc.retire(t)

	importState(v, &vc.ctx, stateMinimal)
	vc.extrn = StateAll &^ stateMinimal

	t.unpin()
}

func (vc *VCPU) traceExit(t *transient) {
	if !debug.Enabled() {
		return
	}
	rec := debug.ExitRecord{
		VCPU:    uint16(vc.id),
		HostCPU: uint16(t.hostCPU),
		ASID:    vc.asid,
		Flush:   uint8(t.flush),
		Code:    uint64(t.exitCode),
		Info1:   t.exitInfo1,
		Info2:   t.exitInfo2,
		IntInfo: t.exitIntInfo,
		RIP:     vc.ctx.RIP,
		Clean:   t.clean,
	}
	if t.didInject {
		rec.Injected = t.injected.Encode()
	}
	vc.trace.WriteExit(rec)
}

// loadGuestDebug puts the guest's debug registers on the CPU and stops
// intercepting accesses to them. DR7 writes keep exiting.
func (vc *VCPU) loadGuestDebug(v *vmcb.VMCB) {
	vc.vm.e.cfg.Host.LoadGuestDebug(&vc.ctx.DR)
	vc.debugLoaded = true
	v.SetInterceptAllDR(false)
	v.SetInterceptWriteDR(7, true)
	if vc.nested.InGuest {
		vc.nested.reapplyDR(v)
	}
}
