package svm_test

import (
	"testing"

	"github.com/tinyrange/svm/internal/simcpu"
	"github.com/tinyrange/svm/internal/svm"
	"github.com/tinyrange/svm/internal/vmcb"
)

func TestMergeIsUnion(t *testing.T) {
	m := newMachine(t, simcpu.MachineConfig{VM: svm.VMConfig{NestedHWVirt: true}})
	vc := m.VM.VCPU(0)

	inner, pages, err := vmcb.AllocVMCB(vmcb.HeapAllocator{})
	if err != nil {
		t.Fatal(err)
	}
	inner.SetInterceptCtrl1(vmcb.InterceptRDTSC|vmcb.InterceptVINTR, true)
	inner.SetInterceptCtrl2(vmcb.InterceptRDTSCP, true)
	inner.SetInterceptXcpt(vmcb.XcptUD, true)
	inner.SetInterceptReadCR(3, true)
	inner.SetInterceptWriteCR(8, true)
	inner.SetInterceptWriteDR(7, true)
	want := inner.Ctrl

	if err := vc.EnterNestedGuest(inner, pages.Phys, nil, nil); err != nil {
		t.Fatal(err)
	}
	outer := vc.VMCB().Ctrl
	svm.MergeNested(vc)
	got := inner.Ctrl

	// Window and TPR intercepts of the outer block belong to the guest
	// hypervisor's own event state and are left out.
	const windows = vmcb.InterceptVINTR | vmcb.InterceptIRET
	for _, f := range []struct {
		name              string
		got, inner, outer uint32
	}{
		{"read cr", uint32(got.InterceptReadCR), uint32(want.InterceptReadCR), uint32(outer.InterceptReadCR)},
		{"write cr", uint32(got.InterceptWriteCR), uint32(want.InterceptWriteCR), uint32(outer.InterceptWriteCR) &^ (1 << 8)},
		{"read dr", uint32(got.InterceptReadDR), uint32(want.InterceptReadDR), uint32(outer.InterceptReadDR)},
		{"write dr", uint32(got.InterceptWriteDR), uint32(want.InterceptWriteDR), uint32(outer.InterceptWriteDR)},
		{"xcpt", got.InterceptXcpt, want.InterceptXcpt, outer.InterceptXcpt},
		{"ctrl1", got.InterceptCtrl1, want.InterceptCtrl1, outer.InterceptCtrl1 &^ windows},
		{"ctrl2", got.InterceptCtrl2, want.InterceptCtrl2, outer.InterceptCtrl2},
		{"ctrl3", got.InterceptCtrl3, want.InterceptCtrl3, outer.InterceptCtrl3},
	} {
		if f.got&f.inner != f.inner {
			t.Errorf("%s: merged %#x drops inner %#x", f.name, f.got, f.inner&^f.got)
		}
		if f.got&f.outer != f.outer {
			t.Errorf("%s: merged %#x drops outer %#x", f.name, f.got, f.outer&^f.got)
		}
		if extra := f.got &^ (f.inner | f.outer); extra != 0 {
			t.Errorf("%s: merged %#x adds %#x", f.name, f.got, extra)
		}
	}
	if got.CleanBits != 0 {
		t.Errorf("merged block left clean bits %#x", got.CleanBits)
	}

	// Leaving restores exactly what the guest hypervisor programmed.
	if err := vc.LeaveNestedGuest(); err != nil {
		t.Fatal(err)
	}
	if inner.Ctrl.InterceptCtrl1 != want.InterceptCtrl1 || inner.Ctrl.InterceptXcpt != want.InterceptXcpt {
		t.Errorf("intercepts after leaving: ctrl1 %#x xcpt %#x, want %#x %#x",
			inner.Ctrl.InterceptCtrl1, inner.Ctrl.InterceptXcpt, want.InterceptCtrl1, want.InterceptXcpt)
	}
}
