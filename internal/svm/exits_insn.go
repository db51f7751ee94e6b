package svm

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/svm/internal/vmcb"
)

func exitCPUID(vc *VCPU, t *transient) (ExitReason, error) {
	ctx := vc.Context(StateRAX)
	leaf := uint32(ctx.GPR[RAX])
	subleaf := uint32(ctx.GPR[RCX])
	eax, ebx, ecx, edx := vc.vm.cfg.Platform.CPUID(vc.id, leaf, subleaf)
	ctx.GPR[RAX] = uint64(eax)
	ctx.GPR[RBX] = uint64(ebx)
	ctx.GPR[RCX] = uint64(ecx)
	ctx.GPR[RDX] = uint64(edx)
	vc.MarkDirty(StateRAX)
	vc.advance(t, 2)
	return continueReason, nil
}

func exitRDTSC(vc *VCPU, t *transient) (ExitReason, error) {
	tsc := vc.guestTSC()
	ctx := vc.Context(StateRAX)
	ctx.GPR[RAX] = tsc & 0xffff_ffff
	ctx.GPR[RDX] = tsc >> 32
	vc.MarkDirty(StateRAX)
	vc.advance(t, 2)
	return continueReason, nil
}

func exitRDTSCP(vc *VCPU, t *transient) (ExitReason, error) {
	if !vc.vm.cfg.ExposeRDTSCP {
		return vc.raise(t, exception(vmcb.XcptUD, 0), 0)
	}
	tsc := vc.guestTSC()
	ctx := vc.Context(StateRAX)
	ctx.GPR[RAX] = tsc & 0xffff_ffff
	ctx.GPR[RDX] = tsc >> 32
	ctx.GPR[RCX] = ctx.TSCAux & 0xffff_ffff
	vc.MarkDirty(StateRAX)
	vc.advance(t, 3)
	return continueReason, nil
}

// wakeable reports whether an event is ready that would end a halt.
func (vc *VCPU) wakeable() bool {
	if vc.evState != EventIdle || vc.hostTrap != nil {
		return true
	}
	reqs := vc.Requests()
	if reqs&RequestNMI != 0 {
		return true
	}
	ctx := vc.Context(StateRFLAGS)
	if ctx.RFLAGS&rflagsIF == 0 {
		return false
	}
	return len(vc.deferred) > 0 || reqs&RequestInterrupt != 0
}

func exitHLT(vc *VCPU, t *transient) (ExitReason, error) {
	vc.advance(t, 1)
	if vc.wakeable() {
		return continueReason, nil
	}
	return ExitReason{Kind: ExitHalt, Code: t.exitCode}, nil
}

func exitMWAIT(vc *VCPU, t *transient) (ExitReason, error) {
	vc.advance(t, 3)
	if vc.wakeable() {
		return continueReason, nil
	}
	return ExitReason{Kind: ExitHalt, Code: t.exitCode}, nil
}

func exitMONITOR(vc *VCPU, t *transient) (ExitReason, error) {
	vc.advance(t, 3)
	return continueReason, nil
}

func exitCacheFlush(vc *VCPU, t *transient) (ExitReason, error) {
	vc.advance(t, 2)
	return continueReason, nil
}

// exitPAUSE is taken when the pause filter ran out: the guest is spinning,
// so give the host CPU away for a moment.
func exitPAUSE(vc *VCPU, t *transient) (ExitReason, error) {
	vc.advance(t, 2)
	runtime.Gosched()
	return continueReason, nil
}

// exitINVLPG only occurs with shadow paging. The page is dropped by
// flushing the whole ASID.
func exitINVLPG(vc *VCPU, t *transient) (ExitReason, error) {
	vc.Request(RequestTLBFlush)
	if _, ok := vc.nripLen(t); ok && vc.vm.e.caps.DecodeAssists {
		vc.advance(t, 0)
		return continueReason, nil
	}
	return vc.interpret(t)
}

func exitINVPCID(vc *VCPU, t *transient) (ExitReason, error) {
	vc.Request(RequestTLBFlush)
	if _, ok := vc.nripLen(t); ok {
		vc.advance(t, 0)
		return continueReason, nil
	}
	return vc.interpret(t)
}

func exitXSETBV(vc *VCPU, t *transient) (ExitReason, error) {
	ctx := vc.Context(StateRAX | StateSegs)
	val := ctx.GPR[RDX]<<32 | ctx.GPR[RAX]&0xffff_ffff
	switch {
	case uint32(ctx.GPR[RCX]) != 0,
		ctx.CPL != 0,
		val&xcr0X87 == 0,
		val&xcr0Reserved != 0,
		val&xcr0AVX != 0 && val&xcr0SSE == 0:
		return vc.raise(t, exception(vmcb.XcptGP, 0), 0)
	}
	ctx.XCR0 = val
	vc.advance(t, 3)
	return continueReason, nil
}

// exitICEBP delivers the #DB the INT1 instruction raises once it has
// completed.
func exitICEBP(vc *VCPU, t *transient) (ExitReason, error) {
	vc.advance(t, 1)
	return vc.raise(t, exception(vmcb.XcptDB, 0), 0)
}

// exitSVMInstr hands the virtualization instructions to the nested SVM
// emulator. Without nested hardware virtualization, or from inside a
// nested guest, they do not exist.
func exitSVMInstr(vc *VCPU, t *transient) (ExitReason, error) {
	cfg := &vc.vm.cfg
	if !cfg.NestedHWVirt || vc.nested.InGuest {
		return vc.raise(t, exception(vmcb.XcptUD, 0), 0)
	}
	ctx := vc.Context(StateEFER | StateSegs)
	if ctx.EFER&eferSVME == 0 {
		return vc.raise(t, exception(vmcb.XcptUD, 0), 0)
	}
	if ctx.CPL != 0 {
		return vc.raise(t, exception(vmcb.XcptGP, 0), 0)
	}
	res, err := cfg.Nested.Exec(vc, t.exitCode)
	if err != nil {
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: nested %s: %w", vc.id, t.exitCode, err)
	}
	return vc.applyEmuResult(t, res)
}
