// Package vmcb mirrors the AMD-V virtual machine control block.
//
// The layout is fixed by the architecture (AMD APM vol. 2, appendix B): the
// processor reads and writes these bytes directly, so every field offset in
// this file is load-bearing. vmcb_test.go pins each offset.
package vmcb

import "unsafe"

const (
	// Size is the size of one control block. It always occupies a full page.
	Size = 0x1000

	// ControlSize is the size of the control area at offset 0.
	ControlSize = 0x400

	// StateSaveOffset is where the guest state save area begins.
	StateSaveOffset = 0x400
)

// Segment is one segment register in the state save area.
type Segment struct {
	Selector uint16
	Attr     uint16
	Limit    uint32
	Base     uint64
}

// TLBCtrl holds the guest ASID and the TLB flush command.
type TLBCtrl struct {
	ASID  uint32
	Flush TLBFlush
	_     [3]byte
}

// Control is the control area (offsets 0x000-0x3ff).
type Control struct {
	InterceptReadCR  uint16 // 0x000
	InterceptWriteCR uint16 // 0x002
	InterceptReadDR  uint16 // 0x004
	InterceptWriteDR uint16 // 0x006
	InterceptXcpt    uint32 // 0x008
	InterceptCtrl1   uint32 // 0x00c
	InterceptCtrl2   uint32 // 0x010
	InterceptCtrl3   uint32 // 0x014
	_                [36]byte

	PauseFilterThreshold uint16 // 0x03c
	PauseFilterCount     uint16 // 0x03e

	IOPMPhysAddr  uint64 // 0x040
	MSRPMPhysAddr uint64 // 0x048
	TSCOffset     uint64 // 0x050
	TLBCtrl       TLBCtrl
	IntCtrl       uint64 // 0x060
	IntShadow     uint64 // 0x068
	ExitCode      uint64 // 0x070
	ExitInfo1     uint64 // 0x078
	ExitInfo2     uint64 // 0x080
	ExitIntInfo   uint64 // 0x088
	NestedCtrl    uint64 // 0x090
	AVICBar       uint64 // 0x098
	GHCBPhysAddr  uint64 // 0x0a0
	EventInject   uint64 // 0x0a8
	NestedCR3     uint64 // 0x0b0
	LBRVirtCtrl   uint64 // 0x0b8
	CleanBits     uint32 // 0x0c0
	_             uint32
	NextRIP       uint64 // 0x0c8

	InstrFetched uint8    // 0x0d0
	InstrBytes   [15]byte // 0x0d1

	AVICBackingPage   uint64 // 0x0e0
	_                 uint64
	AVICLogicalTable  uint64 // 0x0f0
	AVICPhysicalTable uint64 // 0x0f8
	_                 uint64
	VMSAPhysAddr      uint64 // 0x108

	_ [ControlSize - 0x110]byte
}

// StateSave is the guest state save area (offset 0x400 in the block).
// Offsets in comments are relative to the start of the save area.
type StateSave struct {
	ES   Segment // 0x000
	CS   Segment // 0x010
	SS   Segment // 0x020
	DS   Segment // 0x030
	FS   Segment // 0x040
	GS   Segment // 0x050
	GDTR Segment // 0x060
	LDTR Segment // 0x070
	IDTR Segment // 0x080
	TR   Segment // 0x090

	_    [43]byte
	CPL  uint8 // 0x0cb
	_    uint32
	EFER uint64 // 0x0d0
	_    [112]byte

	CR4    uint64 // 0x148
	CR3    uint64 // 0x150
	CR0    uint64 // 0x158
	DR7    uint64 // 0x160
	DR6    uint64 // 0x168
	RFLAGS uint64 // 0x170
	RIP    uint64 // 0x178
	_      [88]byte

	RSP  uint64 // 0x1d8
	SCET uint64 // 0x1e0
	SSP  uint64 // 0x1e8
	ISST uint64 // 0x1f0
	RAX  uint64 // 0x1f8

	STAR         uint64 // 0x200
	LSTAR        uint64 // 0x208
	CSTAR        uint64 // 0x210
	SFMASK       uint64 // 0x218
	KernelGSBase uint64 // 0x220
	SysenterCS   uint64 // 0x228
	SysenterESP  uint64 // 0x230
	SysenterEIP  uint64 // 0x238
	CR2          uint64 // 0x240
	_            [32]byte

	PAT          uint64 // 0x268
	DebugCtl     uint64 // 0x270
	BranchFrom   uint64 // 0x278
	BranchTo     uint64 // 0x280
	LastExcpFrom uint64 // 0x288
	LastExcpTo   uint64 // 0x290
}

// VMCB is one complete control block page.
type VMCB struct {
	Ctrl  Control
	State StateSave
	_     [Size - ControlSize - unsafe.Sizeof(StateSave{})]byte
}

// Bytes aliases the block as its raw page.
func (v *VMCB) Bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), Size)
}

// Reset zeroes the whole block.
func (v *VMCB) Reset() {
	*v = VMCB{}
}

// CopyControl copies the control area of src into v and marks every cached
// area dirty.
func (v *VMCB) CopyControl(src *VMCB) {
	v.Ctrl = src.Ctrl
	v.Ctrl.CleanBits = 0
}

var (
	_ [Size - unsafe.Sizeof(VMCB{})]struct{}
	_ [unsafe.Sizeof(VMCB{}) - Size]struct{}
	_ [ControlSize - unsafe.Sizeof(Control{})]struct{}
	_ [unsafe.Sizeof(Control{}) - ControlSize]struct{}
)
