package svm

import (
	"fmt"

	"github.com/tinyrange/svm/internal/vmcb"
)

// dispatchNested forwards an exit taken in the nested guest to the guest
// hypervisor when it intercepts it. Physical events and nested page faults
// always belong to the engine.
func (vc *VCPU) dispatchNested(t *transient) (ExitReason, bool, error) {
	switch t.exitCode {
	case vmcb.ExitINTR, vmcb.ExitNMI, vmcb.ExitSMI, vmcb.ExitINIT,
		vmcb.ExitNPF, vmcb.ExitInvalidState, vmcb.ExitBusy:
		return ExitReason{}, false, nil
	}
	if t.exitCode == vmcb.ExitIRET && vc.nmiBlocked {
		// The engine's own NMI blocking ends here whoever gets the exit.
		vc.nmiBlocked = false
	}
	if !vc.nested.wants(vc, t) {
		return ExitReason{}, false, nil
	}
	reason, err := vc.forwardExit(t, t.exitCode, t.exitInfo1, t.exitInfo2)
	return reason, true, err
}

// nestedPhysicalExit reflects a physical interrupt or NMI the guest
// hypervisor intercepts as a #VMEXIT, instead of injecting it into the
// nested guest. The current pass then starts over on the guest
// hypervisor's block.
func (vc *VCPU) nestedPhysicalExit(t *transient, code vmcb.ExitCode) (ExitReason, error) {
	t.restart = true
	return vc.forwardExit(t, code, 0, 0)
}

// forwardExit performs a #VMEXIT from the nested guest to the guest
// hypervisor with the given exit fields.
func (vc *VCPU) forwardExit(t *transient, code vmcb.ExitCode, info1, info2 uint64) (ExitReason, error) {
	n := &vc.nested
	v := n.VMCB

	// An event cut short in the nested guest is reported to the guest
	// hypervisor, which decides whether to deliver it again.
	intInfo := uint64(0)
	if _, ok := vmcb.DecodeEvent(t.exitIntInfo); ok {
		intInfo = t.exitIntInfo
		vc.stats.Vectoring++
	}

	if err := vc.LeaveNestedGuest(); err != nil {
		return ExitReason{}, err
	}
	v.Ctrl.ExitCode = uint64(code)
	v.Ctrl.ExitInfo1 = info1
	v.Ctrl.ExitInfo2 = info2
	v.Ctrl.ExitIntInfo = intInfo
	if code == t.exitCode && !t.restart {
		v.Ctrl.NextRIP = t.nextRIP
	} else {
		v.Ctrl.NextRIP = 0
	}
	// #VMEXIT clears GIF.
	n.GIF = false
	vc.stats.NestedForwards++

	if err := vc.vm.cfg.Nested.VMExit(vc, code, info1, info2); err != nil {
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: nested #vmexit %s: %w", vc.id, code, err)
	}
	return ExitReason{Kind: ExitContinue, Code: code}, nil
}
