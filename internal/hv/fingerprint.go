package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Fingerprint identifies a set of probed capabilities. Two hosts with the
// same fingerprint produce identical control blocks for the same VM
// configuration.
type Fingerprint [32]byte

// ComputeFingerprint hashes every field of c that influences how control
// blocks are built.
func ComputeFingerprint(c Capabilities) Fingerprint {
	h := sha256.New()

	h.Write([]byte(c.Vendor))
	h.Write([]byte{0})
	h.Write([]byte{c.Family, c.Model, c.Stepping})

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], c.Revision)
	h.Write(buf[:])
	binary.LittleEndian.PutUint32(buf[:], c.MaxASID)
	h.Write(buf[:])

	// feature names in their fixed order
	for _, f := range c.Features() {
		h.Write([]byte(f))
		h.Write([]byte{0})
	}

	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Short returns the first 12 hex digits.
func (f Fingerprint) Short() string {
	return f.String()[:12]
}
