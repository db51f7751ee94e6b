package svm

import "github.com/tinyrange/svm/internal/vmcb"

// FlushTaggedTLB picks the TLB flush and ASID for the next run of vc on
// hc and writes both into v. The caller must be pinned to hc.
//
// A new ASID is taken when the VCPU moved to another host CPU, when the
// host CPU's flush generation advanced since the VCPU last ran there, or
// when a nested guest is about to run or has just run, since its
// translations cannot be told apart from the guest hypervisor's. A fresh
// ASID is always flushed before use. ASIDs run from 1 to MaxASID-1;
// running past the end starts over at 1 with a flush of the entire TLB
// and a new generation, which makes every other VCPU on hc take a new
// ASID as well.
func FlushTaggedTLB(hc *HostCPU, vc *VCPU, v *vmcb.VMCB) vmcb.TLBFlush {
	e := vc.vm.e
	caps := e.caps

	explicit := vc.Requests()&RequestTLBFlush != 0
	if explicit {
		vc.Ack(RequestTLBFlush)
	}
	contextFlush := vmcb.TLBFlushEntire
	if caps.FlushByASID {
		contextFlush = vmcb.TLBFlushSingleContext
	}

	gen := hc.FlushGeneration.Load()
	stale := vc.lastHostCPU != hc.ID || vc.lastGeneration != gen || vc.nested.InGuest || vc.asidNested

	flush := vmcb.TLBFlushNothing
	switch {
	case caps.AlwaysFlushTLB:
		flush = vmcb.TLBFlushEntire
		hc.CurrentASID = 1
		vc.asid = 1
	case stale:
		hc.CurrentASID++
		if hc.CurrentASID >= e.maxASID {
			hc.CurrentASID = 1
			hc.FlushGeneration.Add(1)
			hc.ASIDWraps++
			flush = vmcb.TLBFlushEntire
		} else {
			flush = contextFlush
		}
		vc.asid = hc.CurrentASID
		hc.ASIDsIssued++
		vc.stats.NewASIDs++
	case explicit:
		flush = contextFlush
	}

	vc.lastHostCPU = hc.ID
	vc.lastGeneration = hc.FlushGeneration.Load()
	vc.asidNested = vc.nested.InGuest

	v.SetASID(vc.asid)
	v.Ctrl.TLBCtrl.Flush = flush
	if flush != vmcb.TLBFlushNothing {
		hc.TLBFlushes++
		vc.stats.TLBFlushes++
		v.MarkDirty(vmcb.CleanNP)
	}
	return flush
}
