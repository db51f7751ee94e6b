//go:build !amd64

package hostos

import "time"

var tscBase = time.Now()

// readTSC counts nanoseconds since process start where there is no TSC.
func readTSC() uint64 { return uint64(time.Since(tscBase)) }
