// Package hv defines the architecture-facing types shared across the
// memory, device, registry, and exit-dispatch packages: the error
// taxonomy, the register enumeration, and the small interfaces a device
// or the exit dispatcher sees (ExitContext, MMIORegion).
package hv

import (
	"errors"
	"fmt"
)

// Kind tags a Fault with one of the error kinds the dispatcher and devices
// agree on. Kind values are compared through Is below (or errors.Is
// against a *Fault that carries only a Kind), never by switching on a
// string.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotSupported
	KindInvalidParam
	KindInvalidInstruction
	KindInstructionNotSupported
	KindDecodeError
	KindOutOfRange
	KindBadState
	KindInternal
	KindShutdown
	KindPciError
	KindVirtioError
)

func (k Kind) String() string {
	switch k {
	case KindNotSupported:
		return "NotSupported"
	case KindInvalidParam:
		return "InvalidParam"
	case KindInvalidInstruction:
		return "InvalidInstruction"
	case KindInstructionNotSupported:
		return "InstructionNotSupported"
	case KindDecodeError:
		return "DecodeError"
	case KindOutOfRange:
		return "OutOfRange"
	case KindBadState:
		return "BadState"
	case KindInternal:
		return "Internal"
	case KindShutdown:
		return "Shutdown"
	case KindPciError:
		return "PciError"
	case KindVirtioError:
		return "VirtioError"
	default:
		return "Unknown"
	}
}

// Fault is the concrete error type every device and the exit dispatcher
// return. Kind classifies the failure for the propagation policy in §7;
// Err (optional) carries the underlying detail for logging.
type Fault struct {
	Kind Kind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Kind)
}

func (f *Fault) Unwrap() error { return f.Err }

// Is lets errors.Is(err, &Fault{Kind: k}) match any *Fault of kind k: a
// target with an empty Op is compared by Kind, not identity.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind && t.Op == ""
}

func newFault(kind Kind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// NotSupported wraps an unimplemented-but-legal guest operation.
func NotSupported(op string, err error) error { return newFault(KindNotSupported, op, err) }

// InvalidParam wraps a malformed guest input (reserved bits, bad access
// size, misaligned address).
func InvalidParam(op string, err error) error { return newFault(KindInvalidParam, op, err) }

// InvalidInstruction wraps a guest instruction the MMIO decoder could not
// classify at all.
func InvalidInstruction(op string, err error) error {
	return newFault(KindInvalidInstruction, op, err)
}

// InstructionNotSupported wraps a decodable but unimplemented opcode (only
// MOV variants are supported by the EPT-violation decoder).
func InstructionNotSupported(op string, err error) error {
	return newFault(KindInstructionNotSupported, op, err)
}

// DecodeError wraps a failure to fetch or decode the faulting instruction
// bytes at all (bad guest page table walk, truncated read).
func DecodeError(op string, err error) error { return newFault(KindDecodeError, op, err) }

// OutOfRange wraps an access beyond a device's advertised window.
func OutOfRange(op string, err error) error { return newFault(KindOutOfRange, op, err) }

// BadState wraps an operation rejected because of the device's internal
// state (e.g. CMOS data access before an index was selected).
func BadState(op string, err error) error { return newFault(KindBadState, op, err) }

// Internal wraps an invariant violation the handler cannot repair. Per §7
// this kind is meant to become a hard stop, never a guest-visible retry.
func Internal(op string, err error) error { return newFault(KindInternal, op, err) }

// ErrShutdown is the pseudo-error the exit dispatcher returns on a Halt or
// Shutdown exit, to unwind the vCPU run loop cleanly.
var ErrShutdown = newFault(KindShutdown, "shutdown", nil)

// PciError wraps a PCI-subsystem-specific fault (capability-add failure,
// register-range violation, queue-enable misuse).
func PciError(op string, err error) error { return newFault(KindPciError, op, err) }

// VirtioError wraps a virtio-transport-specific fault.
func VirtioError(op string, err error) error { return newFault(KindVirtioError, op, err) }

// Is reports whether err is, or wraps, a *Fault of the given kind, so
// callers can write hv.Is(err, hv.KindNotSupported) instead of
// type-asserting *Fault directly.
func Is(err error, kind Kind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}
