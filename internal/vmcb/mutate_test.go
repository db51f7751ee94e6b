package vmcb

import "testing"

func TestSettersDirtyTheirArea(t *testing.T) {
	for _, tt := range []struct {
		name string
		set  func(v *VMCB)
		bit  CleanBits
	}{
		{"read cr", func(v *VMCB) { v.SetInterceptReadCR(3, true) }, CleanIntercepts},
		{"write cr", func(v *VMCB) { v.SetInterceptWriteCR(8, true) }, CleanIntercepts},
		{"read dr", func(v *VMCB) { v.SetInterceptReadDR(7, true) }, CleanIntercepts},
		{"write dr", func(v *VMCB) { v.SetInterceptWriteDR(7, true) }, CleanIntercepts},
		{"all dr", func(v *VMCB) { v.SetInterceptAllDR(true) }, CleanIntercepts},
		{"xcpt", func(v *VMCB) { v.SetInterceptXcpt(XcptPF, true) }, CleanIntercepts},
		{"ctrl1", func(v *VMCB) { v.SetInterceptCtrl1(InterceptCPUID, true) }, CleanIntercepts},
		{"ctrl2", func(v *VMCB) { v.SetInterceptCtrl2(InterceptVMRUN, true) }, CleanIntercepts},
		{"ctrl3", func(v *VMCB) { v.SetInterceptCtrl3(InterceptINVPCID, true) }, CleanIntercepts},
		{"pause filter", func(v *VMCB) { v.SetPauseFilter(3000, 128) }, CleanIntercepts},
		{"tsc offset", func(v *VMCB) { v.SetTSCOffset(1 << 40) }, CleanIntercepts},
		{"iopm", func(v *VMCB) { v.SetIOPM(0x10000) }, CleanIOPMMSRPM},
		{"msrpm", func(v *VMCB) { v.SetMSRPM(0x20000) }, CleanIOPMMSRPM},
		{"asid", func(v *VMCB) { v.SetASID(5) }, CleanASID},
		{"int ctrl", func(v *VMCB) { v.SetIntCtrl(IntCtrlVIntrMasking, true) }, CleanTPR},
		{"vtpr", func(v *VMCB) { v.SetVTPR(9) }, CleanTPR},
		{"virq", func(v *VMCB) { v.SetVIntrVector(0x20, 2) }, CleanTPR},
		{"np", func(v *VMCB) { v.SetNestedPaging(true) }, CleanNP},
		{"ncr3", func(v *VMCB) { v.SetNestedCR3(0x3000) }, CleanNP},
		{"pat", func(v *VMCB) { v.SetPAT(0x0007040600070406) }, CleanNP},
		{"lbr virt", func(v *VMCB) { v.SetLBRVirt(1) }, CleanLBR},
		{"debugctl", func(v *VMCB) { v.SetDebugCtl(1) }, CleanLBR},
		{"avic", func(v *VMCB) { v.SetAVICBackingPage(0x4000) }, CleanAVIC},
		{"cr0", func(v *VMCB) { v.SetCR0(0x80000011) }, CleanCRX},
		{"cr3", func(v *VMCB) { v.SetCR3(0x5000) }, CleanCRX},
		{"cr4", func(v *VMCB) { v.SetCR4(0x20) }, CleanCRX},
		{"efer", func(v *VMCB) { v.SetEFER(0x1000) }, CleanCRX},
		{"cr2", func(v *VMCB) { v.SetCR2(0xdead000) }, CleanCR2},
		{"dr6", func(v *VMCB) { v.SetDR6(0xffff0ff0) }, CleanDRX},
		{"dr7", func(v *VMCB) { v.SetDR7(0x400) }, CleanDRX},
		{"gdtr", func(v *VMCB) { v.SetGDTR(0x1000, 0xff) }, CleanDT},
		{"idtr", func(v *VMCB) { v.SetIDTR(0x2000, 0xfff) }, CleanDT},
		{"segment", func(v *VMCB) { v.SetSegment(SegCS, Segment{Selector: 0xf000}) }, CleanSeg},
		{"cpl", func(v *VMCB) { v.SetCPL(3) }, CleanSeg},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var v VMCB
			v.MarkClean(CleanAll)
			tt.set(&v)
			if got, want := v.Clean(), CleanAll&^tt.bit; got != want {
				t.Fatalf("clean bits after change = %s, want %s", got, want)
			}
			// Writing the same value again leaves the area clean.
			v.MarkClean(CleanAll)
			tt.set(&v)
			if got := v.Clean(); got != CleanAll {
				t.Errorf("unchanged write dirtied %s", CleanAll&^got)
			}
		})
	}
}
