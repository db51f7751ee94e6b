package vmcb

// Instruction intercepts, first vector (Control.InterceptCtrl1).
const (
	InterceptINTR uint32 = 1 << iota
	InterceptNMI
	InterceptSMI
	InterceptINIT
	InterceptVINTR
	InterceptCR0SelWrite
	InterceptIDTRRead
	InterceptGDTRRead
	InterceptLDTRRead
	InterceptTRRead
	InterceptIDTRWrite
	InterceptGDTRWrite
	InterceptLDTRWrite
	InterceptTRWrite
	InterceptRDTSC
	InterceptRDPMC
	InterceptPUSHF
	InterceptPOPF
	InterceptCPUID
	InterceptRSM
	InterceptIRET
	InterceptINTn
	InterceptINVD
	InterceptPAUSE
	InterceptHLT
	InterceptINVLPG
	InterceptINVLPGA
	InterceptIOIOProt
	InterceptMSRProt
	InterceptTaskSwitch
	InterceptFERRFreeze
	InterceptShutdown
)

// Instruction intercepts, second vector (Control.InterceptCtrl2).
const (
	InterceptVMRUN uint32 = 1 << iota
	InterceptVMMCALL
	InterceptVMLOAD
	InterceptVMSAVE
	InterceptSTGI
	InterceptCLGI
	InterceptSKINIT
	InterceptRDTSCP
	InterceptICEBP
	InterceptWBINVD
	InterceptMONITOR
	InterceptMWAIT
	InterceptMWAITArmed
	InterceptXSETBV
	InterceptRDPRU
	InterceptEFERWriteTrap
	// InterceptCR0WriteTrap is the first of 16 bits, one per control
	// register, that trap writes once they completed.
	InterceptCR0WriteTrap
)

// Instruction intercepts, third vector (Control.InterceptCtrl3).
const (
	InterceptINVLPGB uint32 = 1 << iota
	InterceptINVLPGBIllegal
	InterceptINVPCID
	InterceptMCOMMIT
	InterceptTLBSYNC
)

// CleanBits marks which cached control block areas hardware may skip
// reloading on the next VMRUN. A clear bit forces a reload.
type CleanBits uint32

const (
	CleanIntercepts CleanBits = 1 << iota // intercept vectors, TSC offset, pause filter
	CleanIOPMMSRPM                        // IOPM/MSRPM base addresses
	CleanASID                             // guest ASID
	CleanTPR                              // V_TPR, V_IRQ, V_INTR_*
	CleanNP                               // nested paging enable, nCR3, guest PAT
	CleanCRX                              // CR0, CR3, CR4, EFER
	CleanDRX                              // DR6, DR7
	CleanDT                               // GDTR, IDTR
	CleanSeg                              // CS, DS, SS, ES, CPL
	CleanCR2                              // CR2
	CleanLBR                              // DebugCtl, branch records
	CleanAVIC                             // AVIC pointers

	CleanAll CleanBits = 1<<12 - 1
)

var cleanBitNames = [...]string{
	"intercepts", "iopm", "asid", "tpr", "np", "crx",
	"drx", "dt", "seg", "cr2", "lbr", "avic",
}

func (c CleanBits) String() string {
	if c == 0 {
		return "none"
	}
	s := ""
	for i, name := range cleanBitNames {
		if c&(1<<i) == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	return s
}

// TLBFlush is the TLB_CONTROL command byte.
type TLBFlush uint8

const (
	TLBFlushNothing         TLBFlush = 0
	TLBFlushEntire          TLBFlush = 1
	TLBFlushSingleContext   TLBFlush = 3
	TLBFlushSingleNonGlobal TLBFlush = 7
)

func (f TLBFlush) String() string {
	switch f {
	case TLBFlushNothing:
		return "nothing"
	case TLBFlushEntire:
		return "entire"
	case TLBFlushSingleContext:
		return "asid"
	case TLBFlushSingleNonGlobal:
		return "asid-nonglobal"
	default:
		return "invalid"
	}
}

// Interrupt control bits (Control.IntCtrl).
const (
	IntCtrlVTPRMask       uint64 = 0xff
	IntCtrlVIRQ           uint64 = 1 << 8
	IntCtrlVGIF           uint64 = 1 << 9
	IntCtrlVIntrPrioShift        = 16
	IntCtrlVIntrPrioMask  uint64 = 0xf << IntCtrlVIntrPrioShift
	IntCtrlVIgnTPR        uint64 = 1 << 20
	IntCtrlVIntrMasking   uint64 = 1 << 24
	IntCtrlVGIFEnable     uint64 = 1 << 25
	IntCtrlAVICEnable     uint64 = 1 << 31
	IntCtrlVIntrVecShift         = 32
	IntCtrlVIntrVecMask   uint64 = 0xff << IntCtrlVIntrVecShift
)

// Interrupt shadow bits (Control.IntShadow).
const (
	IntShadowActive    uint64 = 1 << 0
	IntShadowGuestMask uint64 = 1 << 1
)

// Nested control bits (Control.NestedCtrl).
const (
	NestedCtrlNP    uint64 = 1 << 0
	NestedCtrlSEV   uint64 = 1 << 1
	NestedCtrlSEVES uint64 = 1 << 2
)

// LBR virtualization control bits (Control.LBRVirtCtrl).
const (
	LBRVirtEnable       uint64 = 1 << 0
	LBRVirtVMSaveVMLoad uint64 = 1 << 1
)

// Decode assist flag in EXITINFO1 for CR/DR accesses.
const (
	ExitInfo1MovCRxValid uint64 = 1 << 63
	ExitInfo1MovCRxGPR   uint64 = 0xf
)
