package svm

import (
	"fmt"

	"github.com/tinyrange/svm/internal/vmcb"
)

// vectoringClass is the outcome of an exception raised while another event
// was being delivered.
type vectoringClass int

const (
	// vectoringReflect delivers the new exception; the first one is
	// dropped or recurs by itself.
	vectoringReflect vectoringClass = iota
	// vectoringReinject re-delivers the first event; the exit handler
	// decides whether the new exception also reaches the guest.
	vectoringReinject
	vectoringDoubleFault
	vectoringTripleFault
	// vectoringHang is an #AC raised while delivering #AC: the CPU would
	// loop forever.
	vectoringHang
)

func (c vectoringClass) String() string {
	switch c {
	case vectoringReflect:
		return "reflect"
	case vectoringReinject:
		return "reinject"
	case vectoringDoubleFault:
		return "double-fault"
	case vectoringTripleFault:
		return "triple-fault"
	case vectoringHang:
		return "hang"
	default:
		return fmt.Sprintf("vectoringClass(%d)", int(c))
	}
}

// vectoringFlag refines the handling of a #PF that interrupted delivery.
type vectoringFlag int

const (
	vectoringNone vectoringFlag = iota
	// vectoringPF: the #PF interrupted an interrupt. If it is a genuine
	// guest fault the interrupt is held back until the fault is handled.
	vectoringPF
	// vectoringDoublePF: a genuine guest fault here becomes #DF.
	vectoringDoublePF
)

func contributory(vector uint8) bool {
	switch vector {
	case vmcb.XcptDE, vmcb.XcptTS, vmcb.XcptNP, vmcb.XcptSS, vmcb.XcptGP:
		return true
	}
	return false
}

// classifyVectoring applies the benign/contributory/page-fault table to a
// new exception vector raised while prior was being delivered.
func classifyVectoring(prior vmcb.Event, vector uint8) (vectoringClass, vectoringFlag) {
	if prior.Type != vmcb.EventException {
		if vector != vmcb.XcptPF {
			return vectoringReflect, vectoringNone
		}
		// An NMI handler that cannot be reached through the page tables
		// is treated like a #PF raised by a #PF.
		if prior.Type == vmcb.EventNMI {
			return vectoringReinject, vectoringDoublePF
		}
		return vectoringReinject, vectoringPF
	}

	p := prior.Vector
	switch {
	case p == vmcb.XcptDF && (contributory(vector) || vector == vmcb.XcptPF):
		return vectoringTripleFault, vectoringNone
	case p == vmcb.XcptAC && vector == vmcb.XcptAC:
		return vectoringHang, vectoringNone
	case p == vmcb.XcptPF && vector == vmcb.XcptPF:
		return vectoringDoubleFault, vectoringDoublePF
	case p == vmcb.XcptPF && contributory(vector),
		contributory(p) && contributory(vector):
		return vectoringDoubleFault, vectoringNone
	}
	return vectoringReflect, vectoringNone
}

// recoverVectoring inspects EXITINTINFO after an exit. An event whose
// delivery was cut short is put back into the pending slot, unless the
// exit itself settles its fate. done is true when the exit must not be
// dispatched any further.
func (vc *VCPU) recoverVectoring(t *transient) (reason ExitReason, done bool, err error) {
	prior, ok := vmcb.DecodeEvent(t.exitIntInfo)
	if !ok {
		return continueReason, false, nil
	}
	t.vectoring = prior
	t.hasVectoring = true
	vc.stats.Vectoring++

	cr2 := uint64(0)
	if prior.Type == vmcb.EventException && prior.Vector == vmcb.XcptPF {
		// Hardware has not written CR2 yet for an intercepted #PF, so
		// it still holds the address of the first fault.
		cr2 = vc.Context(StateCR2).CR2
	}

	vector, isXcpt := t.exitCode.IsException()
	if !isXcpt {
		if t.exitCode == vmcb.ExitNPF && t.exitInfo1&npfRSV != 0 {
			// MMIO during delivery: the device model completes the
			// access and delivers the event itself.
			if err := vc.SetPendingEvent(prior, cr2); err != nil {
				return ExitReason{}, true, err
			}
			vc.toHostTrap()
			return ExitReason{Kind: ExitToHost, Code: t.exitCode, Why: "mmio during event delivery"}, true, nil
		}
		return continueReason, false, vc.SetPendingEvent(prior, cr2)
	}

	class, flag := classifyVectoring(prior, vector)
	vc.log.Debug("vectoring", "prior", prior.String(), "vector", vector, "class", class.String())
	switch class {
	case vectoringTripleFault:
		vc.stats.TripleFaults++
		return ExitReason{Kind: ExitReset, Code: t.exitCode, Why: whyTripleFault}, true, nil
	case vectoringHang:
		return ExitReason{Kind: ExitGuestHang, Code: t.exitCode,
			Why: fmt.Sprintf("#%d during %s", vector, prior)}, true, nil
	case vectoringDoubleFault:
		if flag != vectoringDoublePF {
			vc.stats.DoubleFaults++
			return continueReason, true, vc.SetPendingEvent(exception(vmcb.XcptDF, 0), 0)
		}
	}
	t.vectoringPF = flag == vectoringPF
	t.vectoringDoublePF = flag == vectoringDoublePF
	return continueReason, false, vc.SetPendingEvent(prior, cr2)
}
