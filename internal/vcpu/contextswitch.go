// Package vcpu implements component F, the per-vCPU exit dispatcher:
// classification of VM-exit reasons, I/O and MSR decoding, EPT-violation
// MMIO emulation, external-interrupt and NMI delivery, and hypercall
// dispatch. The teacher never needs this package itself — KVM, WHP, and
// HVF all do exit classification and register access behind their own
// ioctl/syscall boundary (internal/hv/kvm/kvm_amd64.go's Run,
// internal/chipset's HandlePIO/HandleMMIO) — so ContextSwitch below is a
// pure Go interface standing in for that boundary, grounded on the shape
// of kvm's virtualCPU: GetRegisters/SetRegisters by hv.Register key, a
// Run loop that classifies run.exit_reason and dispatches to per-reason
// handlers, and chipset.HandlePIO/HandleMMIO as the device-dispatch call
// the teacher's handleIO/handleMMIO make after decoding the raw exit.
package vcpu

import "github.com/quietvm/hvcore/internal/hv"

// ExitReason classifies a VM-exit the way kvmExitReason does for KVM,
// narrowed to the reasons this core's dispatcher handles; anything else
// is fatal per §4.F ("others are fatal panic with diagnostic").
type ExitReason int

const (
	ExitReasonUnknown ExitReason = iota
	ExitReasonIO
	ExitReasonRDMSR
	ExitReasonWRMSR
	ExitReasonEPTViolation
	ExitReasonExternalInterrupt
	ExitReasonNMI
	ExitReasonHypercall
	ExitReasonHalt
	ExitReasonShutdown
)

func (r ExitReason) String() string {
	switch r {
	case ExitReasonIO:
		return "IO"
	case ExitReasonRDMSR:
		return "RDMSR"
	case ExitReasonWRMSR:
		return "WRMSR"
	case ExitReasonEPTViolation:
		return "EPTViolation"
	case ExitReasonExternalInterrupt:
		return "ExternalInterrupt"
	case ExitReasonNMI:
		return "NMI"
	case ExitReasonHypercall:
		return "Hypercall"
	case ExitReasonHalt:
		return "Halt"
	case ExitReasonShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// IOExitInfo is the decoded form of a string/IO VM-exit, mirroring the
// fields kvmExitIoData carries (port, size, direction) plus the
// string/rep flags the teacher's KVM backend never has to reject because
// KVM itself never exits on those variants the way a software EPT/IO
// decoder must.
type IOExitInfo struct {
	Port     uint16
	Size     uint8
	IsWrite  bool
	IsString bool
	IsRep    bool
}

// EPTViolationInfo is the decoded form of a nested-page-fault exit: the
// faulting guest-physical address and whether the access was a write,
// corresponding to kvmExitMMIOData.physAddr/isWrite.
type EPTViolationInfo struct {
	Gpa     uint64
	IsWrite bool
}

// InterruptExitInfo carries the vector for an external-interrupt exit.
type InterruptExitInfo struct {
	Vector uint8
}

// VmExitInfo is the populated result of one enter_guest/vmresume cycle,
// per §6's "VmExitInfo { reason, guest_rip, exit_instruction_length }".
type VmExitInfo struct {
	Reason            ExitReason
	GuestRIP          uint64
	InstructionLength uint64

	IO        *IOExitInfo
	EPT       *EPTViolationInfo
	Interrupt *InterruptExitInfo
}

// ContextSwitch is the collaborator §6 calls "the context-switch
// contract": it owns entering the guest and reporting back the raw
// exit, and exposes the narrow register/RIP/event-queue operations the
// dispatcher needs to produce the exit's architectural effect. There is
// no concrete implementation in this core — only a real VMX backend (or
// a test double) can satisfy it.
type ContextSwitch interface {
	// GetRegister reads one guest register's current value.
	GetRegister(reg hv.Register) (uint64, error)
	// SetRegister writes one guest register's value.
	SetRegister(reg hv.Register, value uint64) error
	// AdvanceRIP moves guest RIP forward by the retired instruction's
	// length, per "advance_rip(bytes): updates the guest RIP in the VMCS".
	AdvanceRIP(bytes uint64) error
	// QueueEvent buffers an interrupt/exception for the next guest
	// entry; errCode is nil for vectors that carry none.
	QueueEvent(vector uint8, errCode *uint32) error
	// GuestCR3 returns the guest's current page-table root, needed to
	// walk the faulting instruction's translation on an EPT violation.
	GuestCR3() (uint64, error)
	// HostMemory returns the flat host backing store that
	// memory.GuestPhysMemorySet's translations index into, so the
	// dispatcher can read guest page tables and instruction bytes.
	HostMemory() []byte
}
