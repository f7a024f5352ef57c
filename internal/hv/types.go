package hv

import "fmt"

// Register names the general-purpose and control registers the exit
// dispatcher reads and writes. Only the x86-64 subset the dispatcher
// actually touches is modeled — this core never runs a second
// architecture.
type Register int

const (
	RegisterInvalid Register = iota
	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags
	RegisterCr3
)

var registerNames = map[Register]string{
	RegisterRax:    "RAX",
	RegisterRbx:    "RBX",
	RegisterRcx:    "RCX",
	RegisterRdx:    "RDX",
	RegisterRsi:    "RSI",
	RegisterRdi:    "RDI",
	RegisterRsp:    "RSP",
	RegisterRbp:    "RBP",
	RegisterR8:     "R8",
	RegisterR9:     "R9",
	RegisterR10:    "R10",
	RegisterR11:    "R11",
	RegisterR12:    "R12",
	RegisterR13:    "R13",
	RegisterR14:    "R14",
	RegisterR15:    "R15",
	RegisterRip:    "RIP",
	RegisterRflags: "RFLAGS",
	RegisterCr3:    "CR3",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", int(r))
}

// ExitContext is passed to every device dispatch call. It lets a handler
// report which exit it was serving without threading a second parameter
// through every port/MMIO/MSR call, mirroring the teacher's ExitContext
// usage across its chipset devices.
type ExitContext interface {
	VCpuID() int
}

// MMIORegion is a half-open [Address, Address+Size) window a device wants
// to be dispatched for.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Device is the minimal lifecycle every emulated device implements.
type Device interface {
	Init() error
}

// PortIODevice exposes one or more I/O ports.
type PortIODevice interface {
	Device
	IOPorts() []uint16
	ReadIOPort(ctx ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx ExitContext, port uint16, data []byte) error
}

// MMIODevice exposes one or more MMIO regions.
type MMIODevice interface {
	Device
	MMIORegions() []MMIORegion
	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// MSRDevice exposes one or more contiguous MSR ranges (e.g. the local APIC
// timer's 0x800-0x840 window).
type MSRDevice interface {
	Device
	MSRRanges() []MSRRange
	ReadMSR(ctx ExitContext, msr uint32) (uint64, error)
	WriteMSR(ctx ExitContext, msr uint32, value uint64) error
}

// MSRRange is a closed [Low, High] range of MSR indices a device serves.
type MSRRange struct {
	Low, High uint32
}

func (r MSRRange) Contains(msr uint32) bool { return msr >= r.Low && msr <= r.High }

// PollDevice performs periodic maintenance (e.g. draining a UART backend)
// that isn't triggered by any specific port/MMIO/MSR access.
type PollDevice interface {
	Poll() error
}
