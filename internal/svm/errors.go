package svm

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tinyrange/svm/internal/hv"
	"github.com/tinyrange/svm/internal/vmcb"
)

var (
	// ErrEventAlreadyPending is returned when a second event is queued
	// while one is still waiting to be injected.
	ErrEventAlreadyPending = errors.New("svm: event already pending")

	ErrNotEntered    = errors.New("svm: vcpu has not entered a context")
	ErrAlreadyClosed = errors.New("svm: engine closed")
)

// InvalidStateError is returned when hardware refuses to enter the guest
// or the switch itself fails. It carries a copy of the control block as it
// was when the failure was observed.
type InvalidStateError struct {
	VCPU    int
	HostCPU int
	Code    vmcb.ExitCode
	Block   vmcb.VMCB
	Err     error
}

func (e *InvalidStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("svm: vcpu %d on cpu %d: %v: %v", e.VCPU, e.HostCPU, hv.ErrInvalidGuestState, e.Err)
	}
	return fmt.Sprintf("svm: vcpu %d on cpu %d: %v (exit %s)", e.VCPU, e.HostCPU, hv.ErrInvalidGuestState, e.Code)
}

func (e *InvalidStateError) Unwrap() []error {
	if e.Err != nil {
		return []error{hv.ErrInvalidGuestState, e.Err}
	}
	return []error{hv.ErrInvalidGuestState}
}

// Dump renders the captured control block.
func (e *InvalidStateError) Dump() string {
	var buf bytes.Buffer
	_, _ = e.Block.WriteTo(&buf)
	return buf.String()
}

func unexpectedExit(vc *VCPU, code vmcb.ExitCode, why string) error {
	return fmt.Errorf("svm: vcpu %d: %w %s: %s", vc.id, hv.ErrUnexpectedExit, code, why)
}
