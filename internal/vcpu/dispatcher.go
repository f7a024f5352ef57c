package vcpu

import (
	"fmt"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/ipc"
	"github.com/quietvm/hvcore/internal/memory"
	"github.com/quietvm/hvcore/internal/registry"
)

// nmiVector is the architectural NMI vector reinjected on a spurious
// mailbox-empty wake-up.
const nmiVector = 2

// maxInstructionBytes bounds the instruction-byte fetch for EPT-violation
// decoding; no MOV variant this decoder supports is longer than this.
const maxInstructionBytes = 15

// Dispatcher is the per-vCPU exit handler: it owns the device registries,
// the guest memory set (for the EPT-violation instruction fetch and
// hypercall-argument marshalling), this physical CPU's NMI mailbox, and
// the collaborators that turn a BootVm/Clear message or a hypercall into
// an actual effect. It is grounded on the teacher's virtualCPU.Run +
// handleIO/handleMMIO dispatch shape in internal/hv/kvm/kvm_amd64.go,
// generalized to the exit reasons a software (not in-kernel) VMM must
// classify itself.
type Dispatcher struct {
	Registry   registry.Tiered
	Memory     *memory.GuestPhysMemorySet
	Mailbox    *ipc.Mailbox
	Hypercalls Hypercalls

	// ClearVMCS performs the remote VMCS-clear a Clear mailbox message
	// requests; nil is valid for a dispatcher with no cross-core clear
	// support wired (e.g. in tests).
	ClearVMCS func(paddr uint64) error

	irqHandlers map[uint8]func() error
	dbg         debug.Debug
}

// New returns a Dispatcher. reg, mem, and mailbox are shared with the
// rest of this vCPU's (and VM's) wiring; hypercalls may be nil if none
// of the VM-creation hypercalls are reachable in this configuration.
func New(reg registry.Tiered, mem *memory.GuestPhysMemorySet, mailbox *ipc.Mailbox, hypercalls Hypercalls) *Dispatcher {
	return &Dispatcher{
		Registry:    reg,
		Memory:      mem,
		Mailbox:     mailbox,
		Hypercalls:  hypercalls,
		irqHandlers: make(map[uint8]func() error),
		dbg:         debug.WithSource("vcpu.dispatch"),
	}
}

// RegisterIRQHandler installs the handler invoked for an external
// interrupt on the given vector. vector must be in [0x20,0xff]; the
// dispatcher enforces that range at dispatch time regardless of what is
// registered here.
func (d *Dispatcher) RegisterIRQHandler(vector uint8, fn func() error) {
	d.irqHandlers[vector] = fn
}

// Dispatch classifies one VM-exit and produces its architectural effect:
// register updates, device I/O, and RIP advancement. Exit reasons not
// named in §4.F's table are a hard stop, per "others are fatal panic
// with diagnostic".
func (d *Dispatcher) Dispatch(ctx hv.ExitContext, cs ContextSwitch, info VmExitInfo) error {
	d.dbg.Writef("exit reason=%s rip=0x%x len=%d", info.Reason, info.GuestRIP, info.InstructionLength)

	switch info.Reason {
	case ExitReasonIO:
		return d.dispatchIO(ctx, cs, info)
	case ExitReasonRDMSR:
		return d.dispatchRDMSR(ctx, cs, info)
	case ExitReasonWRMSR:
		return d.dispatchWRMSR(ctx, cs, info)
	case ExitReasonEPTViolation:
		return d.dispatchEPT(ctx, cs, info)
	case ExitReasonExternalInterrupt:
		return d.dispatchExternalInterrupt(info)
	case ExitReasonNMI:
		return d.dispatchNMI(cs)
	case ExitReasonHypercall:
		return d.dispatchHypercall(cs, info)
	case ExitReasonHalt, ExitReasonShutdown:
		return hv.ErrShutdown
	default:
		panic(fmt.Sprintf("vcpu: fatal unhandled exit reason %s at rip 0x%x", info.Reason, info.GuestRIP))
	}
}

func (d *Dispatcher) dispatchIO(ctx hv.ExitContext, cs ContextSwitch, info VmExitInfo) error {
	io := info.IO
	if io == nil {
		panic("vcpu: IO exit with nil IOExitInfo")
	}
	if io.IsString || io.IsRep {
		return hv.NotSupported("vcpu.io", fmt.Errorf("string/rep I/O on port 0x%04x is not supported", io.Port))
	}

	if io.IsWrite {
		rax, err := cs.GetRegister(hv.RegisterRax)
		if err != nil {
			return err
		}
		data := make([]byte, io.Size)
		putLittleEndian(data, lowBytes(rax, io.Size))
		if err := d.Registry.HandlePortIO(ctx, io.Port, data, true); err != nil {
			return err
		}
	} else {
		data := make([]byte, io.Size)
		if err := d.Registry.HandlePortIO(ctx, io.Port, data, false); err != nil {
			return err
		}
		value := getLittleEndian(data)
		rax, err := cs.GetRegister(hv.RegisterRax)
		if err != nil {
			return err
		}
		if err := cs.SetRegister(hv.RegisterRax, writeAccumulator(rax, value, io.Size)); err != nil {
			return err
		}
	}
	return cs.AdvanceRIP(info.InstructionLength)
}

func (d *Dispatcher) dispatchRDMSR(ctx hv.ExitContext, cs ContextSwitch, info VmExitInfo) error {
	rcx, err := cs.GetRegister(hv.RegisterRcx)
	if err != nil {
		return err
	}
	msr := uint32(rcx)

	value, err := d.Registry.HandleMSR(ctx, msr, false, 0)
	if hv.Is(err, hv.KindOutOfRange) {
		panic(fmt.Sprintf("vcpu: RDMSR miss on unknown MSR 0x%x", msr))
	}
	if err != nil {
		return err
	}
	if err := cs.SetRegister(hv.RegisterRax, value&0xffffffff); err != nil {
		return err
	}
	if err := cs.SetRegister(hv.RegisterRdx, value>>32); err != nil {
		return err
	}
	return cs.AdvanceRIP(2)
}

func (d *Dispatcher) dispatchWRMSR(ctx hv.ExitContext, cs ContextSwitch, info VmExitInfo) error {
	rcx, err := cs.GetRegister(hv.RegisterRcx)
	if err != nil {
		return err
	}
	msr := uint32(rcx)

	rax, err := cs.GetRegister(hv.RegisterRax)
	if err != nil {
		return err
	}
	rdx, err := cs.GetRegister(hv.RegisterRdx)
	if err != nil {
		return err
	}
	value := (rdx << 32) | (rax & 0xffffffff)

	_, err = d.Registry.HandleMSR(ctx, msr, true, value)
	if hv.Is(err, hv.KindOutOfRange) {
		panic(fmt.Sprintf("vcpu: WRMSR miss on unknown MSR 0x%x", msr))
	}
	if err != nil {
		return err
	}
	return cs.AdvanceRIP(2)
}

func (d *Dispatcher) dispatchEPT(ctx hv.ExitContext, cs ContextSwitch, info VmExitInfo) error {
	ept := info.EPT
	if ept == nil {
		panic("vcpu: EPT violation exit with nil EPTViolationInfo")
	}

	cr3, err := cs.GuestCR3()
	if err != nil {
		return err
	}
	hostMem := cs.HostMemory()

	instrGpa, err := d.Memory.WalkGuestPageTable(hostMem, cr3, info.GuestRIP)
	if err != nil {
		return err
	}
	var instrBytes [maxInstructionBytes]byte
	if err := d.Memory.ReadGuest(hostMem, instrGpa, instrBytes[:]); err != nil {
		return hv.DecodeError("vcpu.ept", fmt.Errorf("fetching faulting instruction: %w", err))
	}

	mov, err := decodeMov(instrBytes[:])
	if err != nil {
		return err
	}

	data := make([]byte, mov.Size)
	if mov.IsWrite {
		var value uint64
		if mov.HasImmediate {
			value = mov.Immediate
		} else {
			value, err = cs.GetRegister(mov.Reg)
			if err != nil {
				return err
			}
			value = lowBytes(value, mov.Size)
		}
		putLittleEndian(data, value)
		if err := d.Registry.HandleMMIO(ctx, ept.Gpa, data, true); err != nil {
			return err
		}
	} else {
		if err := d.Registry.HandleMMIO(ctx, ept.Gpa, data, false); err != nil {
			return err
		}
		value := getLittleEndian(data)
		old, err := cs.GetRegister(mov.Reg)
		if err != nil {
			return err
		}
		if err := cs.SetRegister(mov.Reg, writeAccumulator(old, value, mov.Size)); err != nil {
			return err
		}
	}

	return cs.AdvanceRIP(uint64(mov.Length))
}

func (d *Dispatcher) dispatchExternalInterrupt(info VmExitInfo) error {
	if info.Interrupt == nil {
		panic("vcpu: external-interrupt exit with nil InterruptExitInfo")
	}
	vector := info.Interrupt.Vector

	handler, ok := d.irqHandlers[vector]
	if !ok || vector < 0x20 || vector > 0xff {
		panic(fmt.Sprintf("vcpu: external interrupt vector 0x%02x has no host IRQ handler", vector))
	}
	return handler()
}

func (d *Dispatcher) dispatchNMI(cs ContextSwitch) error {
	if d.Mailbox == nil {
		return cs.QueueEvent(nmiVector, nil)
	}

	var dispatchErr error
	handled := d.Mailbox.Drain(
		func(vmID uint64) {
			if d.Hypercalls != nil {
				if err := d.Hypercalls.BootVm(vmID); err != nil {
					dispatchErr = err
				}
			}
		},
		func(paddr uint64) {
			if d.ClearVMCS != nil {
				if err := d.ClearVMCS(paddr); err != nil {
					dispatchErr = err
				}
			}
		},
	)
	if dispatchErr != nil {
		return dispatchErr
	}
	if handled == 0 {
		// Spurious: no message arrived for this NMI. §4.F: "unknown or
		// absent message -> inject an architectural NMI into the current
		// guest."
		return cs.QueueEvent(nmiVector, nil)
	}
	return nil
}

func (d *Dispatcher) dispatchHypercall(cs ContextSwitch, info VmExitInfo) error {
	rax, err := cs.GetRegister(hv.RegisterRax)
	if err != nil {
		return err
	}

	switch rax {
	case HypercallShadowProcessInit:
		if d.Hypercalls != nil {
			if err := d.Hypercalls.ShadowProcessInit(); err != nil {
				return err
			}
		}
		if err := cs.SetRegister(hv.RegisterRax, 0); err != nil {
			return err
		}

	case HypercallCreateVmConfig, HypercallLoadImage:
		rdi, err := cs.GetRegister(hv.RegisterRdi)
		if err != nil {
			return err
		}
		var raw [vmCreateArgSize]byte
		hostMem := cs.HostMemory()
		if err := d.Memory.ReadGuest(hostMem, rdi, raw[:]); err != nil {
			return hv.InvalidParam("vcpu.hypercall", fmt.Errorf("reading VmCreateArg at 0x%x: %w", rdi, err))
		}
		arg := decodeVmCreateArg(raw[:])
		if d.Hypercalls != nil {
			if err := d.Hypercalls.CreateVmConfig(&arg); err != nil {
				return err
			}
		}
		encodeVmCreateArg(arg, raw[:])
		if err := d.Memory.WriteGuest(hostMem, rdi, raw[:]); err != nil {
			return hv.InvalidParam("vcpu.hypercall", fmt.Errorf("writing VmCreateArg at 0x%x: %w", rdi, err))
		}
		if err := cs.SetRegister(hv.RegisterRax, 0); err != nil {
			return err
		}

	case HypercallBootVm:
		vmID, err := cs.GetRegister(hv.RegisterRdi)
		if err != nil {
			return err
		}
		if d.Hypercalls != nil {
			if err := d.Hypercalls.BootVm(vmID); err != nil {
				return err
			}
		}
		if err := cs.SetRegister(hv.RegisterRax, 0); err != nil {
			return err
		}

	default:
		return hv.InvalidParam("vcpu.hypercall", fmt.Errorf("unknown hypercall id 0x%x", rax))
	}

	return cs.AdvanceRIP(info.InstructionLength)
}

func putLittleEndian(data []byte, value uint64) {
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
}

func getLittleEndian(data []byte) uint64 {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	return v
}
