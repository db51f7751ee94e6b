package svm

import (
	"fmt"
	"slices"

	"github.com/tinyrange/svm/internal/vmcb"
)

// EventState is the state of a VCPU's single event slot.
type EventState int

const (
	EventIdle EventState = iota
	// EventPending means an event waits to be written into the control
	// block on the next entry.
	EventPending
	// EventInjected means the event is in EVENTINJ for the current run.
	EventInjected
)

func (s EventState) String() string {
	switch s {
	case EventIdle:
		return "idle"
	case EventPending:
		return "pending"
	case EventInjected:
		return "injected"
	default:
		return fmt.Sprintf("EventState(%d)", int(s))
	}
}

// trap is an event handed back by the host, for example after an
// interpreter run outside the engine.
type trap struct {
	event vmcb.Event
	cr2   uint64
}

// EventState returns the state of the event slot.
func (vc *VCPU) EventState() EventState { return vc.evState }

// PendingEvent returns the pending or injected event.
func (vc *VCPU) PendingEvent() (vmcb.Event, bool) {
	if vc.evState == EventIdle {
		return vmcb.Event{}, false
	}
	return vc.pending, true
}

// SetPendingEvent queues ev for injection on the next entry. faultAddr is
// loaded into CR2 when ev is a page fault. Queueing while another event
// is pending or injected is an error; the slot is never overwritten.
func (vc *VCPU) SetPendingEvent(ev vmcb.Event, faultAddr uint64) error {
	if vc.evState != EventIdle {
		return fmt.Errorf("%w: vcpu %d has %s %s, refusing %s",
			ErrEventAlreadyPending, vc.id, vc.evState, vc.pending, ev)
	}
	vc.pending = ev
	vc.pendingCR2 = faultAddr
	vc.evState = EventPending
	return nil
}

// ClearPendingEvent drops a pending event.
func (vc *VCPU) ClearPendingEvent() {
	if vc.evState == EventPending {
		vc.evState = EventIdle
		vc.pending = vmcb.Event{}
		vc.pendingCR2 = 0
	}
}

// SetHostTrap hands an event back to the engine. It becomes pending on
// the next entry.
func (vc *VCPU) SetHostTrap(ev vmcb.Event, cr2 uint64) {
	vc.hostTrap = &trap{event: ev, cr2: cr2}
}

// HostTrap returns the event handed to the host, if any, and clears it.
func (vc *VCPU) HostTrap() (vmcb.Event, uint64, bool) {
	t := vc.hostTrap
	if t == nil {
		return vmcb.Event{}, 0, false
	}
	vc.hostTrap = nil
	return t.event, t.cr2, true
}

// toHostTrap moves the pending event out of the engine so it can be
// delivered by whatever completes the exit outside.
func (vc *VCPU) toHostTrap() {
	if vc.evState != EventPending {
		return
	}
	vc.hostTrap = &trap{event: vc.pending, cr2: vc.pendingCR2}
	vc.ClearPendingEvent()
}

func exception(vector uint8, errCode uint32) vmcb.Event {
	ev := vmcb.Event{Vector: vector, Type: vmcb.EventException}
	if vmcb.XcptHasErrorCode(vector) {
		ev.HasErrorCode = true
		ev.ErrorCode = errCode
	}
	return ev
}

// raise delivers an exception detected while handling an exit. An event
// already pending is combined with it by the same rules the CPU applies
// to an exception raised during event delivery.
func (vc *VCPU) raise(t *transient, ev vmcb.Event, cr2 uint64) (ExitReason, error) {
	if vc.evState != EventPending {
		return continueReason, vc.SetPendingEvent(ev, cr2)
	}
	prior := vc.pending
	class, flag := classifyVectoring(prior, ev.Vector)
	if ev.Type != vmcb.EventException {
		class, flag = vectoringReflect, vectoringNone
	}
	switch {
	case flag == vectoringDoublePF && ev.Vector == vmcb.XcptPF:
		vc.ClearPendingEvent()
		vc.stats.DoubleFaults++
		return continueReason, vc.SetPendingEvent(exception(vmcb.XcptDF, 0), 0)
	case class == vectoringTripleFault:
		vc.ClearPendingEvent()
		vc.stats.TripleFaults++
		return ExitReason{Kind: ExitReset, Code: t.exitCode, Why: whyTripleFault}, nil
	case class == vectoringHang:
		vc.ClearPendingEvent()
		return ExitReason{Kind: ExitGuestHang, Code: t.exitCode, Why: fmt.Sprintf("%s during %s", ev, prior)}, nil
	case class == vectoringDoubleFault:
		vc.ClearPendingEvent()
		vc.stats.DoubleFaults++
		return continueReason, vc.SetPendingEvent(exception(vmcb.XcptDF, 0), 0)
	}
	// The new exception wins. Interrupts and NMIs already taken from the
	// platform are kept for later; exceptions recur by themselves.
	if prior.Type == vmcb.EventExtInt || prior.Type == vmcb.EventNMI {
		vc.deferEvent(prior)
	}
	vc.ClearPendingEvent()
	return continueReason, vc.SetPendingEvent(ev, cr2)
}

// deferEvent keeps an interrupt or NMI the guest could not take yet.
// Interrupts were acknowledged at the controller, so every one is kept in
// arrival order. Only one NMI is ever latched.
func (vc *VCPU) deferEvent(ev vmcb.Event) {
	if ev.Type != vmcb.EventNMI {
		vc.deferred = append(vc.deferred, ev)
		return
	}
	if len(vc.deferred) > 0 && vc.deferred[0].Type == vmcb.EventNMI {
		return
	}
	vc.deferred = slices.Insert(vc.deferred, 0, ev)
}

// deliverDeferred queues the first deferred event when the guest can take
// it, and asks for a window otherwise.
func (vc *VCPU) deliverDeferred(v *vmcb.VMCB, ready bool) (ExitReason, error) {
	d := vc.deferred[0]
	if !ready {
		vc.openWindow(v, d.Type == vmcb.EventNMI)
		return continueReason, nil
	}
	vc.deferred = vc.deferred[1:]
	if len(vc.deferred) == 0 {
		vc.deferred = nil
	}
	return continueReason, vc.SetPendingEvent(d, 0)
}

// deliverPageFault raises a #PF found to belong to the guest while
// handling a #PF or #NPF exit.
func (vc *VCPU) deliverPageFault(t *transient, addr uint64, errCode uint32) (ExitReason, error) {
	if t.vectoringDoublePF {
		vc.ClearPendingEvent()
		vc.stats.DoubleFaults++
		return continueReason, vc.SetPendingEvent(exception(vmcb.XcptDF, 0), 0)
	}
	return vc.raise(t, exception(vmcb.XcptPF, errCode), addr)
}

// evaluateEvents fills an idle slot with the highest priority event that
// the guest can take right now and arranges an exit for the moment it can
// take the rest. Errors come from the platform's interrupt controller.
func (vc *VCPU) evaluateEvents(t *transient) (ExitReason, error) {
	v := t.vmcb
	ctx := vc.Context(StateRFLAGS | StateIntShadow | StateTPR)
	gif := vc.nested.GIF
	shadow := ctx.IntShadow
	ifSet := ctx.RFLAGS&rflagsIF != 0

	// The window is reopened below when still needed.
	vc.closeWindow(v)
	v.SetInterceptWriteCR(8, vc.nested.innerWritesCR(8))

	if vc.evState != EventIdle {
		return continueReason, nil
	}

	// NMIs go before interrupts, whether deferred or newly requested.
	if len(vc.deferred) > 0 && vc.deferred[0].Type == vmcb.EventNMI {
		return vc.deliverDeferred(v, gif && !vc.nmiBlocked && !shadow)
	}

	reqs := vc.Requests()
	if reqs&RequestNMI != 0 {
		if vc.nested.innerCtrl1(vmcb.InterceptNMI) {
			vc.Ack(RequestNMI)
			return vc.nestedPhysicalExit(t, vmcb.ExitNMI)
		}
		switch {
		case vc.nmiBlocked:
			// The IRET intercept set when the last NMI was injected
			// brings us back here.
		case !gif || shadow:
			vc.openWindow(v, true)
		default:
			vc.Ack(RequestNMI)
			vc.stats.NMIs++
			return continueReason, vc.SetPendingEvent(vmcb.Event{Vector: vmcb.XcptNMI, Type: vmcb.EventNMI}, 0)
		}
		return continueReason, nil
	}

	if len(vc.deferred) > 0 {
		return vc.deliverDeferred(v, gif && ifSet && !shadow)
	}
	if reqs&RequestInterrupt == 0 {
		return continueReason, nil
	}
	plat := vc.vm.cfg.Platform
	vector, ok, err := plat.PendingInterrupt(vc.id)
	if err != nil {
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: pending interrupt: %w", vc.id, err)
	}
	if !ok {
		vc.Ack(RequestInterrupt)
		return continueReason, nil
	}
	if vc.nested.innerCtrl1(vmcb.InterceptINTR) {
		return vc.nestedPhysicalExit(t, vmcb.ExitINTR)
	}
	if uint64(vector>>4) <= ctx.CR8 {
		// Masked by the task priority: learn when the guest lowers it.
		v.SetInterceptWriteCR(8, true)
		return continueReason, nil
	}
	if !gif || !ifSet || shadow {
		vc.openWindow(v, false)
		return continueReason, nil
	}
	if err := plat.AckInterrupt(vc.id, vector); err != nil {
		return ExitReason{}, fmt.Errorf("svm: vcpu %d: ack interrupt %d: %w", vc.id, vector, err)
	}
	vc.stats.Interrupts++
	return continueReason, vc.SetPendingEvent(vmcb.Event{Vector: vector, Type: vmcb.EventExtInt}, 0)
}

// openWindow requests an exit as soon as the guest can accept an
// interrupt: a dummy virtual interrupt that ignores the TPR makes
// hardware exit with VINTR the moment it would be taken.
func (vc *VCPU) openWindow(v *vmcb.VMCB, nmi bool) {
	v.SetInterceptCtrl1(vmcb.InterceptVINTR, true)
	v.SetIntCtrl(vmcb.IntCtrlVIRQ|vmcb.IntCtrlVIgnTPR, true)
	v.SetVIntrVector(0, 0xf)
	vc.windowOpen = true
	if nmi {
		vc.stats.NMIWindows++
	} else {
		vc.stats.InterruptWindows++
	}
}

func (vc *VCPU) closeWindow(v *vmcb.VMCB) {
	if !vc.windowOpen {
		return
	}
	vc.windowOpen = false
	v.SetInterceptCtrl1(vmcb.InterceptVINTR, vc.nested.innerCtrl1(vmcb.InterceptVINTR))
	v.SetIntCtrl(vmcb.IntCtrlVIRQ|vmcb.IntCtrlVIgnTPR, false)
}

// injectPending writes the pending event into EVENTINJ.
func (vc *VCPU) injectPending(t *transient) {
	if vc.evState != EventPending {
		return
	}
	v := t.vmcb
	ev := vc.pending
	if ev.Type == vmcb.EventException && ev.Vector == vmcb.XcptPF {
		vc.ctx.CR2 = vc.pendingCR2
		v.SetCR2(vc.pendingCR2)
	}
	v.Ctrl.EventInject = ev.Encode()
	vc.evState = EventInjected
	t.injected = ev
	t.didInject = true
	vc.stats.Injections++
}

// uninject undoes injectPending when the switch is aborted.
func (vc *VCPU) uninject(t *transient) {
	if vc.evState != EventInjected {
		return
	}
	t.vmcb.Ctrl.EventInject = 0
	vc.evState = EventPending
	t.didInject = false
	vc.stats.Injections--
}

// retire runs after every switch: hardware consumes EVENTINJ whether or
// not delivery completed. An undelivered event comes back through
// EXITINTINFO and is recovered from there.
func (vc *VCPU) retire(t *transient) {
	if vc.evState != EventInjected {
		return
	}
	t.vmcb.Ctrl.EventInject = 0
	vc.evState = EventIdle
	vc.pending = vmcb.Event{}
	vc.pendingCR2 = 0
	if t.injected.Type == vmcb.EventNMI {
		vc.nmiBlocked = true
		t.vmcb.SetInterceptCtrl1(vmcb.InterceptIRET, true)
	}
}
