package vmcb

import "fmt"

// ExitCode is the EXITCODE field written by hardware on #VMEXIT.
type ExitCode uint64

const (
	ExitReadCR0  ExitCode = 0x00
	ExitReadCR15 ExitCode = 0x0f
	ExitWriteCR0 ExitCode = 0x10
	ExitWriteCR3 ExitCode = 0x13
	ExitWriteCR4 ExitCode = 0x14
	ExitWriteCR8 ExitCode = 0x18

	ExitWriteCR15 ExitCode = 0x1f
	ExitReadDR0   ExitCode = 0x20
	ExitReadDR15  ExitCode = 0x2f
	ExitWriteDR0  ExitCode = 0x30
	ExitWriteDR15 ExitCode = 0x3f

	ExitXcpt0  ExitCode = 0x40
	ExitXcptDE ExitCode = 0x40
	ExitXcptDB ExitCode = 0x41
	ExitXcptBP ExitCode = 0x43
	ExitXcptUD ExitCode = 0x46
	ExitXcptNM ExitCode = 0x47
	ExitXcptDF ExitCode = 0x48
	ExitXcptGP ExitCode = 0x4d
	ExitXcptPF ExitCode = 0x4e
	ExitXcptMF ExitCode = 0x50
	ExitXcptAC ExitCode = 0x51
	ExitXcpt31 ExitCode = 0x5f

	ExitINTR           ExitCode = 0x60
	ExitNMI            ExitCode = 0x61
	ExitSMI            ExitCode = 0x62
	ExitINIT           ExitCode = 0x63
	ExitVINTR          ExitCode = 0x64
	ExitCR0SelWrite    ExitCode = 0x65
	ExitIDTRRead       ExitCode = 0x66
	ExitGDTRRead       ExitCode = 0x67
	ExitLDTRRead       ExitCode = 0x68
	ExitTRRead         ExitCode = 0x69
	ExitIDTRWrite      ExitCode = 0x6a
	ExitGDTRWrite      ExitCode = 0x6b
	ExitLDTRWrite      ExitCode = 0x6c
	ExitTRWrite        ExitCode = 0x6d
	ExitRDTSC          ExitCode = 0x6e
	ExitRDPMC          ExitCode = 0x6f
	ExitPUSHF          ExitCode = 0x70
	ExitPOPF           ExitCode = 0x71
	ExitCPUID          ExitCode = 0x72
	ExitRSM            ExitCode = 0x73
	ExitIRET           ExitCode = 0x74
	ExitSWINT          ExitCode = 0x75
	ExitINVD           ExitCode = 0x76
	ExitPAUSE          ExitCode = 0x77
	ExitHLT            ExitCode = 0x78
	ExitINVLPG         ExitCode = 0x79
	ExitINVLPGA        ExitCode = 0x7a
	ExitIOIO           ExitCode = 0x7b
	ExitMSR            ExitCode = 0x7c
	ExitTaskSwitch     ExitCode = 0x7d
	ExitFERRFreeze     ExitCode = 0x7e
	ExitShutdown       ExitCode = 0x7f
	ExitVMRUN          ExitCode = 0x80
	ExitVMMCALL        ExitCode = 0x81
	ExitVMLOAD         ExitCode = 0x82
	ExitVMSAVE         ExitCode = 0x83
	ExitSTGI           ExitCode = 0x84
	ExitCLGI           ExitCode = 0x85
	ExitSKINIT         ExitCode = 0x86
	ExitRDTSCP         ExitCode = 0x87
	ExitICEBP          ExitCode = 0x88
	ExitWBINVD         ExitCode = 0x89
	ExitMONITOR        ExitCode = 0x8a
	ExitMWAIT          ExitCode = 0x8b
	ExitMWAITArmed     ExitCode = 0x8c
	ExitXSETBV         ExitCode = 0x8d
	ExitRDPRU          ExitCode = 0x8e
	ExitEFERWriteTrap  ExitCode = 0x8f
	ExitCR0WriteTrap   ExitCode = 0x90
	ExitCR15WriteTrap  ExitCode = 0x9f
	ExitINVLPGB        ExitCode = 0xa0
	ExitINVLPGBIllegal ExitCode = 0xa1
	ExitINVPCID        ExitCode = 0xa2
	ExitMCOMMIT        ExitCode = 0xa3
	ExitTLBSYNC        ExitCode = 0xa4

	ExitNPF          ExitCode = 0x400
	ExitAVICIPI      ExitCode = 0x401
	ExitAVICNoAccel  ExitCode = 0x402
	ExitVMGEXIT      ExitCode = 0x403
	ExitBusy         ExitCode = 0xffff_ffff_ffff_fffe
	ExitInvalidState ExitCode = 0xffff_ffff_ffff_ffff
)

var exitNames = map[ExitCode]string{
	ExitINTR:           "intr",
	ExitNMI:            "nmi",
	ExitSMI:            "smi",
	ExitINIT:           "init",
	ExitVINTR:          "vintr",
	ExitCR0SelWrite:    "cr0-sel-write",
	ExitIDTRRead:       "idtr-read",
	ExitGDTRRead:       "gdtr-read",
	ExitLDTRRead:       "ldtr-read",
	ExitTRRead:         "tr-read",
	ExitIDTRWrite:      "idtr-write",
	ExitGDTRWrite:      "gdtr-write",
	ExitLDTRWrite:      "ldtr-write",
	ExitTRWrite:        "tr-write",
	ExitRDTSC:          "rdtsc",
	ExitRDPMC:          "rdpmc",
	ExitPUSHF:          "pushf",
	ExitPOPF:           "popf",
	ExitCPUID:          "cpuid",
	ExitRSM:            "rsm",
	ExitIRET:           "iret",
	ExitSWINT:          "swint",
	ExitINVD:           "invd",
	ExitPAUSE:          "pause",
	ExitHLT:            "hlt",
	ExitINVLPG:         "invlpg",
	ExitINVLPGA:        "invlpga",
	ExitIOIO:           "ioio",
	ExitMSR:            "msr",
	ExitTaskSwitch:     "task-switch",
	ExitFERRFreeze:     "ferr-freeze",
	ExitShutdown:       "shutdown",
	ExitVMRUN:          "vmrun",
	ExitVMMCALL:        "vmmcall",
	ExitVMLOAD:         "vmload",
	ExitVMSAVE:         "vmsave",
	ExitSTGI:           "stgi",
	ExitCLGI:           "clgi",
	ExitSKINIT:         "skinit",
	ExitRDTSCP:         "rdtscp",
	ExitICEBP:          "icebp",
	ExitWBINVD:         "wbinvd",
	ExitMONITOR:        "monitor",
	ExitMWAIT:          "mwait",
	ExitMWAITArmed:     "mwait-armed",
	ExitXSETBV:         "xsetbv",
	ExitRDPRU:          "rdpru",
	ExitEFERWriteTrap:  "efer-write-trap",
	ExitINVLPGB:        "invlpgb",
	ExitINVLPGBIllegal: "invlpgb-illegal",
	ExitINVPCID:        "invpcid",
	ExitMCOMMIT:        "mcommit",
	ExitTLBSYNC:        "tlbsync",
	ExitNPF:            "npf",
	ExitAVICIPI:        "avic-incomplete-ipi",
	ExitAVICNoAccel:    "avic-noaccel",
	ExitVMGEXIT:        "vmgexit",
	ExitBusy:           "busy",
	ExitInvalidState:   "invalid",
}

func (c ExitCode) String() string {
	switch {
	case c <= ExitReadCR15:
		return fmt.Sprintf("read-cr%d", c-ExitReadCR0)
	case c <= ExitWriteCR15:
		return fmt.Sprintf("write-cr%d", c-ExitWriteCR0)
	case c <= ExitReadDR15:
		return fmt.Sprintf("read-dr%d", c-ExitReadDR0)
	case c <= ExitWriteDR15:
		return fmt.Sprintf("write-dr%d", c-ExitWriteDR0)
	case c <= ExitXcpt31:
		return fmt.Sprintf("xcpt-%d", c-ExitXcpt0)
	case c >= ExitCR0WriteTrap && c <= ExitCR15WriteTrap:
		return fmt.Sprintf("cr%d-write-trap", c-ExitCR0WriteTrap)
	}
	if name, ok := exitNames[c]; ok {
		return name
	}
	return fmt.Sprintf("exit-%#x", uint64(c))
}

// ParseExitCode is the inverse of ExitCode.String.
func ParseExitCode(s string) (ExitCode, bool) {
	for _, c := range AllExitCodes() {
		if c.String() == s {
			return c, true
		}
	}
	return 0, false
}

// IsException reports whether the exit is an exception intercept and
// returns its vector.
func (c ExitCode) IsException() (uint8, bool) {
	if c >= ExitXcpt0 && c <= ExitXcpt31 {
		return uint8(c - ExitXcpt0), true
	}
	return 0, false
}

// AllExitCodes lists every architecturally defined exit code.
func AllExitCodes() []ExitCode {
	codes := make([]ExitCode, 0, 0xa5+6)
	for c := ExitReadCR0; c <= ExitTLBSYNC; c++ {
		codes = append(codes, c)
	}
	return append(codes,
		ExitNPF, ExitAVICIPI, ExitAVICNoAccel, ExitVMGEXIT,
		ExitBusy, ExitInvalidState)
}
