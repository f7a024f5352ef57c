package vm

import (
	"fmt"
	"sync"

	"github.com/quietvm/hvcore/internal/devices/apictimer"
	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/ipc"
	"github.com/quietvm/hvcore/internal/registry"
	"github.com/quietvm/hvcore/internal/vcpu"
)

// pendingEvent is one queued interrupt/exception awaiting the next guest
// entry, per §3's "pending-event queue (vector + optional error code)".
type pendingEvent struct {
	vector  uint8
	errCode *uint32
}

// VCpu is one virtual CPU's architectural state plus the bookkeeping the
// VM object needs to schedule it: its affinity, its owned local-APIC
// timer, and a reference to its per-vCPU device registry, per §3's VCpu
// data model. It implements vcpu.ContextSwitch directly as a software
// register file — the actual guest-entry instruction (VMLAUNCH/VMRESUME)
// remains the external collaborator §6 scopes out, but the register
// bookkeeping that collaborator would otherwise own is naturally owned
// by this type instead of a test double once a real VM object exists.
type VCpu struct {
	mu sync.Mutex

	id       int
	affinity int // physical core index this vCPU is pinned to

	regs    map[hv.Register]uint64
	cr3     uint64
	pending []pendingEvent

	running bool // false until this vCPU's entry RIP has been set by Boot/SendInitSipi

	apicTimer *apictimer.Timer
	registry  registry.Tiered
	mailbox   *ipc.Mailbox

	hostMem []byte // shared across every vCPU in the VM: the flat guest-RAM backing store
}

var _ vcpu.ContextSwitch = (*VCpu)(nil)

func newVCpu(id, affinity int, apicTimer *apictimer.Timer, reg registry.Tiered, mailbox *ipc.Mailbox, hostMem []byte) *VCpu {
	return &VCpu{
		id:        id,
		affinity:  affinity,
		regs:      make(map[hv.Register]uint64),
		apicTimer: apicTimer,
		registry:  reg,
		mailbox:   mailbox,
		hostMem:   hostMem,
	}
}

// VCpuID implements hv.ExitContext.
func (v *VCpu) VCpuID() int { return v.id }

func (v *VCpu) GetRegister(reg hv.Register) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reg == hv.RegisterCr3 {
		return v.cr3, nil
	}
	return v.regs[reg], nil
}

func (v *VCpu) SetRegister(reg hv.Register, value uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reg == hv.RegisterCr3 {
		v.cr3 = value
		return nil
	}
	v.regs[reg] = value
	return nil
}

func (v *VCpu) AdvanceRIP(bytes uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regs[hv.RegisterRip] += bytes
	return nil
}

func (v *VCpu) QueueEvent(vector uint8, errCode *uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pending = append(v.pending, pendingEvent{vector: vector, errCode: errCode})
	return nil
}

func (v *VCpu) GuestCR3() (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cr3, nil
}

func (v *VCpu) HostMemory() []byte { return v.hostMem }

// PendingEvents returns a snapshot of the events queued for this vCPU's
// next entry, oldest first.
func (v *VCpu) PendingEvents() []uint8 {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]uint8, len(v.pending))
	for i, e := range v.pending {
		out[i] = e.vector
	}
	return out
}

// Affinity returns the physical core this vCPU is pinned to.
func (v *VCpu) Affinity() int { return v.affinity }

// Running reports whether this vCPU has been released to start
// executing (either as the primary at boot, or a secondary that has
// received its INIT+SIPI pair).
func (v *VCpu) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.running
}

// setEntry sets RIP (and, for a fresh SIPI-driven start, CS-implied
// segment base folded into RIP since this core models a flat address
// space) and marks the vCPU runnable. Called once by the VM at primary
// boot and once per secondary vCPU when its INIT+SIPI pair arrives.
func (v *VCpu) setEntry(rip uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regs[hv.RegisterRip] = rip
	v.running = true
}

func (v *VCpu) String() string {
	return fmt.Sprintf("vcpu%d(core=%d,running=%v)", v.id, v.affinity, v.Running())
}
