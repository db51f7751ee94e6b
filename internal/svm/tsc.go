package svm

import "github.com/tinyrange/svm/internal/vmcb"

// tscDeadlineSlack is how close, in TSC ticks, a virtual timer deadline
// may be before RDTSC is intercepted so the timer is noticed on time.
const tscDeadlineSlack = 100_000

// interceptTSC decides between TSC offsetting and RDTSC interception.
func (vc *VCPU) interceptTSC() bool {
	e := vc.vm.e
	switch vc.vm.cfg.TSCMode {
	case TSCIntercept:
		return true
	case TSCAuto:
		if !e.caps.StableTSC {
			return true
		}
	}
	if deadline, ok := vc.vm.cfg.Platform.TSCDeadline(vc.id); ok {
		if deadline <= e.cfg.Host.ReadTSC()+tscDeadlineSlack {
			return true
		}
	}
	return false
}

// updateTSC programs the TSC offset and the RDTSC/RDTSCP intercepts. A
// nested guest sees the sum of both offsets, and keeps the intercepts its
// hypervisor asked for.
func (vc *VCPU) updateTSC(t *transient) {
	v := t.vmcb
	intercept := vc.interceptTSC()

	offset := vc.tscOffset
	if t.nested {
		offset += vc.nested.cache.tscOffset
	}
	v.SetTSCOffset(offset)

	rdtscp := intercept || !vc.vm.cfg.ExposeRDTSCP
	v.SetInterceptCtrl1(vmcb.InterceptRDTSC, intercept || vc.nested.innerCtrl1(vmcb.InterceptRDTSC))
	v.SetInterceptCtrl2(vmcb.InterceptRDTSCP, rdtscp || vc.nested.innerCtrl2(vmcb.InterceptRDTSCP))
	vc.tscDirty = false
}

// guestTSC is the TSC value the guest reads right now.
func (vc *VCPU) guestTSC() uint64 {
	tsc := vc.vm.e.cfg.Host.ReadTSC() + vc.tscOffset
	if vc.nested.InGuest {
		tsc += vc.nested.cache.tscOffset
	}
	return tsc
}

// setGuestTSC adjusts the offset so the guest hypervisor's TSC reads val.
func (vc *VCPU) setGuestTSC(val uint64) {
	vc.tscOffset = val - vc.vm.e.cfg.Host.ReadTSC()
	vc.tscDirty = true
}

// swapTSCAux loads the guest's TSC_AUX for the run when RDTSCP executes
// natively.
func (vc *VCPU) swapTSCAux(t *transient) {
	if !vc.vm.cfg.ExposeRDTSCP || t.vmcb.InterceptsCtrl2(vmcb.InterceptRDTSCP) {
		return
	}
	host := vc.vm.e.cfg.Host
	t.hostTSCAux = host.ReadMSR(msrTSCAux)
	host.WriteMSR(msrTSCAux, vc.ctx.TSCAux)
	t.tscAuxSwapped = true
}

func (vc *VCPU) restoreTSCAux(t *transient) {
	if !t.tscAuxSwapped {
		return
	}
	vc.vm.e.cfg.Host.WriteMSR(msrTSCAux, t.hostTSCAux)
	t.tscAuxSwapped = false
}
