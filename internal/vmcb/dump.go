package vmcb

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// Field is one named value in a decoded dump.
type Field struct {
	Group string
	Name  string
	Value uint64
}

// Fields decodes the interesting parts of the block in a fixed order.
func (v *VMCB) Fields() []Field {
	c, s := &v.Ctrl, &v.State
	f := []Field{
		{"ctrl", "intercept_read_cr", uint64(c.InterceptReadCR)},
		{"ctrl", "intercept_write_cr", uint64(c.InterceptWriteCR)},
		{"ctrl", "intercept_read_dr", uint64(c.InterceptReadDR)},
		{"ctrl", "intercept_write_dr", uint64(c.InterceptWriteDR)},
		{"ctrl", "intercept_xcpt", uint64(c.InterceptXcpt)},
		{"ctrl", "intercept_ctrl1", uint64(c.InterceptCtrl1)},
		{"ctrl", "intercept_ctrl2", uint64(c.InterceptCtrl2)},
		{"ctrl", "intercept_ctrl3", uint64(c.InterceptCtrl3)},
		{"ctrl", "pause_filter_threshold", uint64(c.PauseFilterThreshold)},
		{"ctrl", "pause_filter_count", uint64(c.PauseFilterCount)},
		{"ctrl", "iopm_pa", c.IOPMPhysAddr},
		{"ctrl", "msrpm_pa", c.MSRPMPhysAddr},
		{"ctrl", "tsc_offset", c.TSCOffset},
		{"ctrl", "asid", uint64(c.TLBCtrl.ASID)},
		{"ctrl", "tlb_flush", uint64(c.TLBCtrl.Flush)},
		{"ctrl", "int_ctrl", c.IntCtrl},
		{"ctrl", "int_shadow", c.IntShadow},
		{"ctrl", "exit_code", c.ExitCode},
		{"ctrl", "exit_info1", c.ExitInfo1},
		{"ctrl", "exit_info2", c.ExitInfo2},
		{"ctrl", "exit_int_info", c.ExitIntInfo},
		{"ctrl", "nested_ctrl", c.NestedCtrl},
		{"ctrl", "event_inject", c.EventInject},
		{"ctrl", "ncr3", c.NestedCR3},
		{"ctrl", "lbr_virt", c.LBRVirtCtrl},
		{"ctrl", "clean_bits", uint64(c.CleanBits)},
		{"ctrl", "next_rip", c.NextRIP},
	}
	for _, seg := range []struct {
		name string
		s    *Segment
	}{
		{"es", &s.ES}, {"cs", &s.CS}, {"ss", &s.SS}, {"ds", &s.DS},
		{"fs", &s.FS}, {"gs", &s.GS}, {"gdtr", &s.GDTR}, {"ldtr", &s.LDTR},
		{"idtr", &s.IDTR}, {"tr", &s.TR},
	} {
		f = append(f,
			Field{"seg", seg.name + ".sel", uint64(seg.s.Selector)},
			Field{"seg", seg.name + ".attr", uint64(seg.s.Attr)},
			Field{"seg", seg.name + ".limit", uint64(seg.s.Limit)},
			Field{"seg", seg.name + ".base", seg.s.Base},
		)
	}
	return append(f,
		Field{"state", "cpl", uint64(s.CPL)},
		Field{"state", "efer", s.EFER},
		Field{"state", "cr0", s.CR0},
		Field{"state", "cr2", s.CR2},
		Field{"state", "cr3", s.CR3},
		Field{"state", "cr4", s.CR4},
		Field{"state", "dr6", s.DR6},
		Field{"state", "dr7", s.DR7},
		Field{"state", "rflags", s.RFLAGS},
		Field{"state", "rip", s.RIP},
		Field{"state", "rsp", s.RSP},
		Field{"state", "rax", s.RAX},
		Field{"state", "star", s.STAR},
		Field{"state", "lstar", s.LSTAR},
		Field{"state", "cstar", s.CSTAR},
		Field{"state", "sfmask", s.SFMASK},
		Field{"state", "kernel_gs_base", s.KernelGSBase},
		Field{"state", "sysenter_cs", s.SysenterCS},
		Field{"state", "sysenter_esp", s.SysenterESP},
		Field{"state", "sysenter_eip", s.SysenterEIP},
		Field{"state", "pat", s.PAT},
		Field{"state", "debugctl", s.DebugCtl},
	)
}

// WriteTo writes a decoded listing followed by a hex dump of the used part
// of the page.
func (v *VMCB) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	group := ""
	for _, f := range v.Fields() {
		if f.Group != group {
			group = f.Group
			fmt.Fprintf(&b, "[%s]\n", group)
		}
		fmt.Fprintf(&b, "  %-24s %#018x\n", f.Name, f.Value)
	}
	b.WriteString("[raw]\n")
	b.WriteString(hex.Dump(v.Bytes()[:StateSaveOffset+0x298]))
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}
