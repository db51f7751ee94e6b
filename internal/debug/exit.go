package debug

import (
	"encoding/binary"
	"fmt"
)

// ExitRecord describes one world switch as seen after #VMEXIT.
type ExitRecord struct {
	VCPU    uint16
	HostCPU uint16
	ASID    uint32
	Flush   uint8
	Clean   uint32

	Code    uint64
	Info1   uint64
	Info2   uint64
	IntInfo uint64
	RIP     uint64
	// Injected is the EVENTINJ value of the run, zero if nothing was
	// injected.
	Injected uint64
}

const exitRecordSize = 2 + 2 + 4 + 1 + 4 + 6*8

// AppendBinary appends the little-endian encoding of r to b.
func (r ExitRecord) AppendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, r.VCPU)
	b = binary.LittleEndian.AppendUint16(b, r.HostCPU)
	b = binary.LittleEndian.AppendUint32(b, r.ASID)
	b = append(b, r.Flush)
	b = binary.LittleEndian.AppendUint32(b, r.Clean)
	for _, v := range []uint64{r.Code, r.Info1, r.Info2, r.IntInfo, r.RIP, r.Injected} {
		b = binary.LittleEndian.AppendUint64(b, v)
	}
	return b
}

// DecodeExitRecord is the inverse of AppendBinary.
func DecodeExitRecord(data []byte) (ExitRecord, error) {
	if len(data) != exitRecordSize {
		return ExitRecord{}, fmt.Errorf("debug: exit record is %d bytes, want %d", len(data), exitRecordSize)
	}
	le := binary.LittleEndian
	r := ExitRecord{
		VCPU:    le.Uint16(data[0:]),
		HostCPU: le.Uint16(data[2:]),
		ASID:    le.Uint32(data[4:]),
		Flush:   data[8],
		Clean:   le.Uint32(data[9:]),
	}
	words := data[13:]
	r.Code = le.Uint64(words[0:])
	r.Info1 = le.Uint64(words[8:])
	r.Info2 = le.Uint64(words[16:])
	r.IntInfo = le.Uint64(words[24:])
	r.RIP = le.Uint64(words[32:])
	r.Injected = le.Uint64(words[40:])
	return r, nil
}
