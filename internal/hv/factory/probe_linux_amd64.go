//go:build linux && amd64

package factory

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/tinyrange/svm/internal/hv"
)

func probeHost() (HostInfo, error) {
	cpuid.Initialize()
	fs := cpuid.HostFeatureSet()

	vendor := fs.VendorID()
	info := HostInfo{
		Caps: hv.Capabilities{
			Vendor:   string(vendor[:]),
			Family:   fs.Family(),
			Model:    fs.Model(),
			Stepping: fs.SteppingID(),
		},
	}

	switch {
	case fs.AMD() && fs.HasFeature(cpuid.X86FeatureSVM):
		info.Extension = hv.KindSVM
	case fs.Intel() && fs.HasFeature(cpuid.X86FeatureVMX):
		info.Extension = hv.KindVMX
		return info, nil
	default:
		return info, nil
	}

	// The extended leaf is not in the set gvisor's native query allows,
	// so read it through the cpuid device and fall back to cpuinfo flags.
	if regs, err := readCPUID(0, 0x8000000a, 0); err == nil {
		decodeSVMLeaf(regs[0], regs[1], regs[3], &info.Caps)
	} else if f, err := os.Open("/proc/cpuinfo"); err == nil {
		parseCPUInfoFlags(f, &info.Caps)
		f.Close()
	} else {
		return info, fmt.Errorf("factory: read svm features: %w", err)
	}
	if f, err := os.Open("/proc/cpuinfo"); err == nil {
		var scratch hv.Capabilities
		if parseCPUInfoFlags(f, &scratch) {
			info.Caps.StableTSC = scratch.StableTSC
		}
		f.Close()
	}

	info.Caps.AlwaysFlushTLB = erratum170(info.Caps.Family, info.Caps.Model, info.Caps.Stepping)

	// Linux keeps EFER.SVME under kvm-amd's control when it is loaded.
	if _, err := os.Stat("/sys/module/kvm_amd"); err == nil {
		info.Caps.HostManagesEnable = true
	}

	if vmcr, err := readMSR(0, msrVMCR); err == nil && vmcr&vmcrSVMDIS != 0 {
		info.Disabled = "disabled by firmware (VM_CR.SVMDIS)"
	}

	return info, nil
}

// readCPUID executes CPUID leaf/subleaf on cpu through /dev/cpu/N/cpuid.
func readCPUID(cpu int, leaf, subleaf uint32) ([4]uint32, error) {
	var regs [4]uint32

	fd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/cpuid", cpu), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return regs, err
	}
	defer unix.Close(fd)

	var buf [16]byte
	if _, err := unix.Pread(fd, buf[:], int64(uint64(subleaf)<<32|uint64(leaf))); err != nil {
		return regs, fmt.Errorf("cpuid %#x: %w", leaf, err)
	}
	for i := range regs {
		regs[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return regs, nil
}

// readMSR reads one MSR on cpu through /dev/cpu/N/msr.
func readMSR(cpu int, msr uint32) (uint64, error) {
	fd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/msr", cpu), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var buf [8]byte
	if _, err := unix.Pread(fd, buf[:], int64(msr)); err != nil {
		return 0, fmt.Errorf("rdmsr %#x: %w", msr, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
