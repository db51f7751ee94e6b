package vmcb

import "fmt"

const (
	// MSRPMSize is the size of the MSR permission map (two pages).
	MSRPMSize = 0x2000
	// IOPMSize is the size of the I/O permission map (three pages).
	IOPMSize = 0x3000
)

// MSRPM is the MSR permission map: two bits per MSR, read then write, for
// three 8K-MSR ranges. A set bit intercepts the access.
type MSRPM [MSRPMSize]byte

// IOPM is the I/O permission map: one bit per port. A set bit intercepts the
// access.
type IOPM [IOPMSize]byte

// MSRAccess selects which half of an MSR permission pair to touch.
type MSRAccess uint8

const (
	MSRRead MSRAccess = 1 << iota
	MSRWrite

	MSRReadWrite = MSRRead | MSRWrite
)

// msrpmOffset returns the bit offset of msr's read permission bit.
func msrpmOffset(msr uint32) (uint32, error) {
	switch {
	case msr <= 0x1fff:
		return msr * 2, nil
	case msr >= 0xc0000000 && msr <= 0xc0001fff:
		return 0x800*8 + (msr-0xc0000000)*2, nil
	case msr >= 0xc0010000 && msr <= 0xc0011fff:
		return 0x1000*8 + (msr-0xc0010000)*2, nil
	}
	return 0, fmt.Errorf("vmcb: msr %#x outside the permission map", msr)
}

// SetAll intercepts every MSR access, including MSRs outside the mapped
// ranges which hardware always intercepts.
func (m *MSRPM) SetAll() {
	for i := range m {
		m[i] = 0xff
	}
}

// Set intercepts (intercept=true) or passes through the given access to msr.
func (m *MSRPM) Set(msr uint32, access MSRAccess, intercept bool) error {
	off, err := msrpmOffset(msr)
	if err != nil {
		return err
	}
	for i, a := range []MSRAccess{MSRRead, MSRWrite} {
		if access&a == 0 {
			continue
		}
		bit := off + uint32(i)
		if intercept {
			m[bit/8] |= 1 << (bit % 8)
		} else {
			m[bit/8] &^= 1 << (bit % 8)
		}
	}
	return nil
}

// Intercepts reports whether access to msr causes a #VMEXIT. MSRs outside
// the mapped ranges always do.
func (m *MSRPM) Intercepts(msr uint32, access MSRAccess) bool {
	off, err := msrpmOffset(msr)
	if err != nil {
		return true
	}
	if access&MSRRead != 0 && m[off/8]&(1<<(off%8)) != 0 {
		return true
	}
	off++
	return access&MSRWrite != 0 && m[off/8]&(1<<(off%8)) != 0
}

// Merge ORs other into m so that an access intercepted by either map is
// intercepted by the result.
func (m *MSRPM) Merge(other *MSRPM) {
	for i := range m {
		m[i] |= other[i]
	}
}

// SetAll intercepts every port.
func (p *IOPM) SetAll() {
	for i := range p {
		p[i] = 0xff
	}
}

// Set intercepts or passes through size consecutive ports starting at port.
func (p *IOPM) Set(port uint16, size int, intercept bool) {
	for i := 0; i < size; i++ {
		bit := uint32(port) + uint32(i)
		if intercept {
			p[bit/8] |= 1 << (bit % 8)
		} else {
			p[bit/8] &^= 1 << (bit % 8)
		}
	}
}

// Intercepts reports whether an access of size bytes at port is intercepted.
// An access is intercepted when any byte it touches is.
func (p *IOPM) Intercepts(port uint16, size int) bool {
	for i := 0; i < size; i++ {
		bit := uint32(port) + uint32(i)
		if p[bit/8]&(1<<(bit%8)) != 0 {
			return true
		}
	}
	return false
}
