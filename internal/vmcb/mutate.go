package vmcb

// Every setter in this file clears the clean bit covering the field it
// changes. Writing a cached field any other way is silently ignored by
// hardware on the next VMRUN.

// MarkDirty clears the given clean bits.
func (v *VMCB) MarkDirty(bits CleanBits) {
	v.Ctrl.CleanBits &^= uint32(bits)
}

// MarkClean sets the given clean bits.
func (v *VMCB) MarkClean(bits CleanBits) {
	v.Ctrl.CleanBits |= uint32(bits)
}

// Clean returns the current clean bits.
func (v *VMCB) Clean() CleanBits {
	return CleanBits(v.Ctrl.CleanBits)
}

func setBit16(field *uint16, bit uint, on bool) bool {
	old := *field
	if on {
		*field |= 1 << bit
	} else {
		*field &^= 1 << bit
	}
	return old != *field
}

func setBits32(field *uint32, bits uint32, on bool) bool {
	old := *field
	if on {
		*field |= bits
	} else {
		*field &^= bits
	}
	return old != *field
}

// SetInterceptReadCR sets or clears the read intercept for control register cr.
func (v *VMCB) SetInterceptReadCR(cr int, on bool) bool {
	if setBit16(&v.Ctrl.InterceptReadCR, uint(cr), on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

// SetInterceptWriteCR sets or clears the write intercept for control register cr.
func (v *VMCB) SetInterceptWriteCR(cr int, on bool) bool {
	if setBit16(&v.Ctrl.InterceptWriteCR, uint(cr), on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

// SetInterceptReadDR sets or clears the read intercept for debug register dr.
func (v *VMCB) SetInterceptReadDR(dr int, on bool) bool {
	if setBit16(&v.Ctrl.InterceptReadDR, uint(dr), on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

// SetInterceptWriteDR sets or clears the write intercept for debug register dr.
func (v *VMCB) SetInterceptWriteDR(dr int, on bool) bool {
	if setBit16(&v.Ctrl.InterceptWriteDR, uint(dr), on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

// SetInterceptAllDR intercepts (or stops intercepting) every debug register access.
func (v *VMCB) SetInterceptAllDR(on bool) bool {
	var want uint16
	if on {
		want = 0xffff
	}
	if v.Ctrl.InterceptReadDR == want && v.Ctrl.InterceptWriteDR == want {
		return false
	}
	v.Ctrl.InterceptReadDR = want
	v.Ctrl.InterceptWriteDR = want
	v.MarkDirty(CleanIntercepts)
	return true
}

// SetInterceptXcpt sets or clears the intercept for exception vector.
func (v *VMCB) SetInterceptXcpt(vector uint8, on bool) bool {
	if setBits32(&v.Ctrl.InterceptXcpt, 1<<vector, on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

// SetInterceptCtrl1 sets or clears bits of the first instruction intercept vector.
func (v *VMCB) SetInterceptCtrl1(bits uint32, on bool) bool {
	if setBits32(&v.Ctrl.InterceptCtrl1, bits, on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

// SetInterceptCtrl2 sets or clears bits of the second instruction intercept vector.
func (v *VMCB) SetInterceptCtrl2(bits uint32, on bool) bool {
	if setBits32(&v.Ctrl.InterceptCtrl2, bits, on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

// SetInterceptCtrl3 sets or clears bits of the third instruction intercept vector.
func (v *VMCB) SetInterceptCtrl3(bits uint32, on bool) bool {
	if setBits32(&v.Ctrl.InterceptCtrl3, bits, on) {
		v.MarkDirty(CleanIntercepts)
		return true
	}
	return false
}

func (v *VMCB) InterceptsCtrl1(bits uint32) bool { return v.Ctrl.InterceptCtrl1&bits != 0 }
func (v *VMCB) InterceptsCtrl2(bits uint32) bool { return v.Ctrl.InterceptCtrl2&bits != 0 }
func (v *VMCB) InterceptsXcpt(vector uint8) bool { return v.Ctrl.InterceptXcpt&(1<<vector) != 0 }

// SetPauseFilter programs the PAUSE filter count and threshold.
func (v *VMCB) SetPauseFilter(count, threshold uint16) {
	if v.Ctrl.PauseFilterCount == count && v.Ctrl.PauseFilterThreshold == threshold {
		return
	}
	v.Ctrl.PauseFilterCount = count
	v.Ctrl.PauseFilterThreshold = threshold
	v.MarkDirty(CleanIntercepts)
}

// SetTSCOffset programs the guest TSC offset.
func (v *VMCB) SetTSCOffset(offset uint64) {
	if v.Ctrl.TSCOffset == offset {
		return
	}
	v.Ctrl.TSCOffset = offset
	v.MarkDirty(CleanIntercepts)
}

// SetIOPM sets the I/O permission map physical address.
func (v *VMCB) SetIOPM(phys uint64) {
	if v.Ctrl.IOPMPhysAddr == phys {
		return
	}
	v.Ctrl.IOPMPhysAddr = phys
	v.MarkDirty(CleanIOPMMSRPM)
}

// SetMSRPM sets the MSR permission map physical address.
func (v *VMCB) SetMSRPM(phys uint64) {
	if v.Ctrl.MSRPMPhysAddr == phys {
		return
	}
	v.Ctrl.MSRPMPhysAddr = phys
	v.MarkDirty(CleanIOPMMSRPM)
}

// SetASID writes the guest ASID. It reports whether the value changed.
func (v *VMCB) SetASID(asid uint32) bool {
	if v.Ctrl.TLBCtrl.ASID == asid {
		return false
	}
	v.Ctrl.TLBCtrl.ASID = asid
	v.MarkDirty(CleanASID)
	return true
}

// SetIntCtrl sets or clears bits of the virtual interrupt control word.
func (v *VMCB) SetIntCtrl(bits uint64, on bool) bool {
	old := v.Ctrl.IntCtrl
	if on {
		v.Ctrl.IntCtrl |= bits
	} else {
		v.Ctrl.IntCtrl &^= bits
	}
	if old == v.Ctrl.IntCtrl {
		return false
	}
	v.MarkDirty(CleanTPR)
	return true
}

// SetVTPR writes the virtual TPR (CR8 value, bits 3:0).
func (v *VMCB) SetVTPR(tpr uint8) {
	next := v.Ctrl.IntCtrl&^IntCtrlVTPRMask | uint64(tpr&0xf)
	if next == v.Ctrl.IntCtrl {
		return
	}
	v.Ctrl.IntCtrl = next
	v.MarkDirty(CleanTPR)
}

// VTPR returns the virtual TPR.
func (v *VMCB) VTPR() uint8 {
	return uint8(v.Ctrl.IntCtrl & IntCtrlVTPRMask)
}

// SetVIntrVector programs a virtual interrupt request with the given
// vector and priority. It is used to open interrupt windows.
func (v *VMCB) SetVIntrVector(vector uint8, prio uint8) {
	next := v.Ctrl.IntCtrl &^ (IntCtrlVIntrVecMask | IntCtrlVIntrPrioMask)
	next |= uint64(vector)<<IntCtrlVIntrVecShift | uint64(prio&0xf)<<IntCtrlVIntrPrioShift
	if next == v.Ctrl.IntCtrl {
		return
	}
	v.Ctrl.IntCtrl = next
	v.MarkDirty(CleanTPR)
}

// SetNestedPaging enables or disables nested paging.
func (v *VMCB) SetNestedPaging(on bool) {
	old := v.Ctrl.NestedCtrl
	if on {
		v.Ctrl.NestedCtrl |= NestedCtrlNP
	} else {
		v.Ctrl.NestedCtrl &^= NestedCtrlNP
	}
	if old != v.Ctrl.NestedCtrl {
		v.MarkDirty(CleanNP)
	}
}

// NestedPaging reports whether nested paging is enabled.
func (v *VMCB) NestedPaging() bool {
	return v.Ctrl.NestedCtrl&NestedCtrlNP != 0
}

// SetNestedCR3 writes the nested page table root.
func (v *VMCB) SetNestedCR3(cr3 uint64) {
	if v.Ctrl.NestedCR3 == cr3 {
		return
	}
	v.Ctrl.NestedCR3 = cr3
	v.MarkDirty(CleanNP)
}

// SetLBRVirt writes the LBR virtualization control word.
func (v *VMCB) SetLBRVirt(bits uint64) {
	if v.Ctrl.LBRVirtCtrl == bits {
		return
	}
	v.Ctrl.LBRVirtCtrl = bits
	v.MarkDirty(CleanLBR)
}

// SetAVICBackingPage writes the AVIC backing page pointer.
func (v *VMCB) SetAVICBackingPage(phys uint64) {
	if v.Ctrl.AVICBackingPage == phys {
		return
	}
	v.Ctrl.AVICBackingPage = phys
	v.MarkDirty(CleanAVIC)
}

// SetPAT writes the guest PAT used with nested paging.
func (v *VMCB) SetPAT(pat uint64) {
	if v.State.PAT == pat {
		return
	}
	v.State.PAT = pat
	v.MarkDirty(CleanNP)
}

// SetCR0 writes guest CR0.
func (v *VMCB) SetCR0(val uint64) {
	if v.State.CR0 == val {
		return
	}
	v.State.CR0 = val
	v.MarkDirty(CleanCRX)
}

// SetCR3 writes guest CR3.
func (v *VMCB) SetCR3(val uint64) {
	if v.State.CR3 == val {
		return
	}
	v.State.CR3 = val
	v.MarkDirty(CleanCRX)
}

// SetCR4 writes guest CR4.
func (v *VMCB) SetCR4(val uint64) {
	if v.State.CR4 == val {
		return
	}
	v.State.CR4 = val
	v.MarkDirty(CleanCRX)
}

// SetEFER writes guest EFER.
func (v *VMCB) SetEFER(val uint64) {
	if v.State.EFER == val {
		return
	}
	v.State.EFER = val
	v.MarkDirty(CleanCRX)
}

// SetCR2 writes guest CR2.
func (v *VMCB) SetCR2(val uint64) {
	if v.State.CR2 == val {
		return
	}
	v.State.CR2 = val
	v.MarkDirty(CleanCR2)
}

// SetDR6 writes guest DR6.
func (v *VMCB) SetDR6(val uint64) {
	if v.State.DR6 == val {
		return
	}
	v.State.DR6 = val
	v.MarkDirty(CleanDRX)
}

// SetDR7 writes guest DR7.
func (v *VMCB) SetDR7(val uint64) {
	if v.State.DR7 == val {
		return
	}
	v.State.DR7 = val
	v.MarkDirty(CleanDRX)
}

// SetGDTR writes the guest GDTR (base and limit only).
func (v *VMCB) SetGDTR(base uint64, limit uint32) {
	if v.State.GDTR.Base == base && v.State.GDTR.Limit == limit {
		return
	}
	v.State.GDTR.Base, v.State.GDTR.Limit = base, limit
	v.MarkDirty(CleanDT)
}

// SetIDTR writes the guest IDTR (base and limit only).
func (v *VMCB) SetIDTR(base uint64, limit uint32) {
	if v.State.IDTR.Base == base && v.State.IDTR.Limit == limit {
		return
	}
	v.State.IDTR.Base, v.State.IDTR.Limit = base, limit
	v.MarkDirty(CleanDT)
}

// SegmentReg names a segment register that the SEG clean bit covers.
type SegmentReg int

const (
	SegES SegmentReg = iota
	SegCS
	SegSS
	SegDS
)

func (v *VMCB) segment(reg SegmentReg) *Segment {
	switch reg {
	case SegES:
		return &v.State.ES
	case SegCS:
		return &v.State.CS
	case SegSS:
		return &v.State.SS
	default:
		return &v.State.DS
	}
}

// SetSegment writes one of CS, DS, SS, ES.
func (v *VMCB) SetSegment(reg SegmentReg, seg Segment) {
	p := v.segment(reg)
	if *p == seg {
		return
	}
	*p = seg
	v.MarkDirty(CleanSeg)
}

// SetCPL writes the guest CPL.
func (v *VMCB) SetCPL(cpl uint8) {
	if v.State.CPL == cpl {
		return
	}
	v.State.CPL = cpl
	v.MarkDirty(CleanSeg)
}

// SetDebugCtl writes the guest DebugCtl MSR.
func (v *VMCB) SetDebugCtl(val uint64) {
	if v.State.DebugCtl == val {
		return
	}
	v.State.DebugCtl = val
	v.MarkDirty(CleanLBR)
}
