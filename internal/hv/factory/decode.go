package factory

import (
	"bufio"
	"io"
	"strings"

	"github.com/tinyrange/svm/internal/hv"
)

// CPUID 0x8000000A EDX feature bits.
const (
	svmFeatureNP                   = 1 << 0
	svmFeatureLbrVirt              = 1 << 1
	svmFeatureSVML                 = 1 << 2
	svmFeatureNRIPS                = 1 << 3
	svmFeatureTSCRateMSR           = 1 << 4
	svmFeatureVMCBClean            = 1 << 5
	svmFeatureFlushByASID          = 1 << 6
	svmFeatureDecodeAssists        = 1 << 7
	svmFeaturePauseFilter          = 1 << 10
	svmFeaturePauseFilterThreshold = 1 << 12
	svmFeatureAVIC                 = 1 << 13
	svmFeatureVMSAVEVirt           = 1 << 15
	svmFeatureVGIF                 = 1 << 16
)

// MSR VM_CR and its SVM disable bit.
const (
	msrVMCR    = 0xc0010114
	vmcrSVMDIS = 1 << 4
)

// decodeSVMLeaf fills caps from CPUID 0x8000000A.
func decodeSVMLeaf(eax, ebx, edx uint32, caps *hv.Capabilities) {
	caps.Revision = eax & 0xff
	caps.MaxASID = ebx
	caps.NestedPaging = edx&svmFeatureNP != 0
	caps.LbrVirt = edx&svmFeatureLbrVirt != 0
	caps.SVMLock = edx&svmFeatureSVML != 0
	caps.NRIPSave = edx&svmFeatureNRIPS != 0
	caps.TSCRateMSR = edx&svmFeatureTSCRateMSR != 0
	caps.VMCBClean = edx&svmFeatureVMCBClean != 0
	caps.FlushByASID = edx&svmFeatureFlushByASID != 0
	caps.DecodeAssists = edx&svmFeatureDecodeAssists != 0
	caps.PauseFilter = edx&svmFeaturePauseFilter != 0
	caps.PauseFilterThreshold = edx&svmFeaturePauseFilterThreshold != 0
	caps.AVIC = edx&svmFeatureAVIC != 0
	caps.VMSAVEVirt = edx&svmFeatureVMSAVEVirt != 0
	caps.VGIF = edx&svmFeatureVGIF != 0
}

// fallbackMaxASID is assumed when the ASID count cannot be read. Every SVM
// part reports at least this many.
const fallbackMaxASID = 16

// parseCPUInfoFlags fills caps from the "flags" line of /proc/cpuinfo. It is
// used when the cpuid device is not readable.
func parseCPUInfoFlags(r io.Reader, caps *hv.Capabilities) bool {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok || strings.TrimSpace(key) != "flags" {
			continue
		}
		flags := make(map[string]bool)
		for _, f := range strings.Fields(value) {
			flags[f] = true
		}
		if !flags["svm"] {
			return false
		}
		caps.NestedPaging = flags["npt"]
		caps.LbrVirt = flags["lbrv"]
		caps.SVMLock = flags["svm_lock"]
		caps.NRIPSave = flags["nrip_save"]
		caps.TSCRateMSR = flags["tsc_scale"]
		caps.VMCBClean = flags["vmcb_clean"]
		caps.FlushByASID = flags["flushbyasid"]
		caps.DecodeAssists = flags["decodeassists"]
		caps.PauseFilter = flags["pausefilter"]
		caps.PauseFilterThreshold = flags["pfthreshold"]
		caps.AVIC = flags["avic"]
		caps.VMSAVEVirt = flags["v_vmsave_vmload"]
		caps.VGIF = flags["vgif"]
		caps.StableTSC = flags["constant_tsc"] && flags["nonstop_tsc"]
		if caps.MaxASID == 0 {
			caps.MaxASID = fallbackMaxASID
		}
		return true
	}
	return false
}

// erratum170 reports whether the part mishandles ASIDs and needs a full
// TLB flush on every entry. Only early family 0Fh parts are affected.
func erratum170(family, model, stepping uint8) bool {
	if family != 0x0f {
		return false
	}
	switch model {
	case 0x68, 0x6b, 0x7f:
		return stepping < 1
	case 0x6f:
		return stepping < 2
	}
	return true
}
