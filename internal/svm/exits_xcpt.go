package svm

import (
	"fmt"

	"github.com/tinyrange/svm/internal/vmcb"
)

// exitXcptGeneric reflects an intercepted exception back into the guest
// unchanged.
func exitXcptGeneric(vc *VCPU, t *transient) (ExitReason, error) {
	vector, _ := t.exitCode.IsException()
	ev := vmcb.Event{Vector: vector, Type: vmcb.EventException}
	if vmcb.XcptHasErrorCode(vector) {
		ev.HasErrorCode = true
		ev.ErrorCode = uint32(t.exitInfo1)
	}
	return vc.raise(t, ev, 0)
}

// exitXcptPF handles #PF under shadow paging. info1 holds the error code
// and info2 the faulting address.
func exitXcptPF(vc *VCPU, t *transient) (ExitReason, error) {
	addr, errCode := t.exitInfo2, t.exitInfo1
	out, err := vc.vm.cfg.Platform.PageFault(vc.id, addr, errCode, false)
	if err != nil {
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: page fault at %#x: %w", vc.id, addr, err)
	}
	switch out.Kind {
	case NPFResolved:
		return continueReason, nil
	case NPFMMIO:
		return vc.mmio(t)
	}
	return vc.deliverPageFault(t, out.FaultAddr, out.ErrorCode)
}

// exitXcptNM loads the guest FPU on first use.
func exitXcptNM(vc *VCPU, t *transient) (ExitReason, error) {
	if !vc.fpuLoaded {
		vc.vm.e.cfg.Host.LoadGuestFPU(vc.id)
		vc.fpuLoaded = true
		t.vmcb.SetInterceptXcpt(vmcb.XcptNM, vc.nested.innerXcpt(vmcb.XcptNM))
		// The guest only sees #NM when it armed CR0.TS itself.
		if vc.Context(StateCR0).CR0&cr0TS == 0 {
			return continueReason, nil
		}
	}
	return vc.raise(t, exception(vmcb.XcptNM, 0), 0)
}

// exitXcptMF handles #MF. With CR0.NE clear the error is reported through
// the legacy FERR# line instead of the exception.
func exitXcptMF(vc *VCPU, t *transient) (ExitReason, error) {
	if vc.Context(StateCR0).CR0&cr0NE == 0 {
		vc.vm.cfg.Platform.FERRFreeze(vc.id)
		return continueReason, nil
	}
	return vc.raise(t, exception(vmcb.XcptMF, 0), 0)
}

// mmio completes an access to an emulated device. An event whose delivery
// was interrupted by the access cannot be reinjected around the
// interpreter, so both go to the host.
func (vc *VCPU) mmio(t *transient) (ExitReason, error) {
	if t.hasVectoring {
		vc.toHostTrap()
		return ExitReason{Kind: ExitToHost, Code: t.exitCode, Why: "mmio during event delivery"}, nil
	}
	return vc.interpret(t)
}
