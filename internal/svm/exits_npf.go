package svm

import (
	"fmt"
)

// Nested page fault error code bits in EXITINFO1.
const (
	npfP   = 1 << 0
	npfRW  = 1 << 1
	npfUS  = 1 << 2
	npfRSV = 1 << 3
	npfID  = 1 << 4
	// npfFinal is set for faults on the final guest physical address,
	// npfTable for faults while walking the guest's page tables.
	npfFinal = 1 << 32
	npfTable = 1 << 33
)

// exitNPF handles nested page faults. A reserved bit fault marks a page
// the platform set up for MMIO and goes straight to the interpreter.
func exitNPF(vc *VCPU, t *transient) (ExitReason, error) {
	gpa, errCode := t.exitInfo2, t.exitInfo1
	if errCode&npfRSV != 0 {
		return vc.mmio(t)
	}
	out, err := vc.vm.cfg.Platform.PageFault(vc.id, gpa, errCode, true)
	if err != nil {
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: nested page fault at %#x: %w", vc.id, gpa, err)
	}
	switch out.Kind {
	case NPFResolved:
		return continueReason, nil
	case NPFMMIO:
		return vc.mmio(t)
	}
	return vc.deliverPageFault(t, out.FaultAddr, out.ErrorCode)
}
