// Package vm implements component H: the VM object that creates vCPUs,
// assigns affinity, holds the shared VM-level device set, and drives
// boot sequencing (INIT+SIPI), per spec.md §4.H. Grounded on the
// teacher's VM-construction sequence in internal/hv (one Hypervisor per
// backend builds a chipset once and hands every vCPU a reference to it);
// generalized here into the explicit two-tier per-vCPU/per-VM registry
// split this core's §4.E requires.
package vm

import (
	"fmt"
	"io"
	"sync"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/devices/uart"
	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/ipc"
	"github.com/quietvm/hvcore/internal/memory"
	"github.com/quietvm/hvcore/internal/registry"
	"github.com/quietvm/hvcore/internal/vcpu"
)

// Option configures optional behavior of Create, following the same
// opts ...Option convention the teacher's internal/api package uses for
// its own constructors.
type Option func(*createOptions)

type createOptions struct {
	consoleOut io.Writer
	consoleIn  io.Reader
}

// WithPrimaryConsole wires out/in as vCPU 0's UART backend in place of
// the discard-only default, the hook cmd/hvmon uses to attach a real
// terminal's stdout/stdin.
func WithPrimaryConsole(out io.Writer, in io.Reader) Option {
	return func(o *createOptions) {
		o.consoleOut = out
		o.consoleIn = in
	}
}

// VM is one virtual machine: its guest memory, its vCPUs, the shared
// per-VM device registry, and the per-CPU NMI mailboxes component G's
// messaging rides on.
type VM struct {
	mu sync.Mutex

	Config *Config
	Memory *memory.GuestPhysMemorySet
	VCpus  []*VCpu

	PerVM   *registry.Registry
	Devices *PerVMDevices

	hostMem []byte

	dispatchers []*vcpu.Dispatcher
	dbg         debug.Debug

	// pending holds VmCreateArg records received via CreateVmConfig,
	// keyed by VmID, until a matching BootVm hypercall arrives —
	// mirroring the real two-step "create config, then boot" protocol
	// §6's hypercall table encodes as two separate ids.
	pending map[uint64]*vcpu.VmCreateArg
}

// Create builds a VM from cfg: allocates RAM, copies bios/kernel into it
// at the configured guest-physical load addresses, assembles the per-VM
// and per-vCPU device registries, and creates one VCpu per set bit in
// cfg.CpuMask — the full §4.H creation sequence.
func Create(cfg *Config, bios, kernel []byte, opts ...Option) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	co := createOptions{consoleOut: discardWriter{}}
	for _, opt := range opts {
		opt(&co)
	}
	if uint64(len(bios)) > cfg.MemorySize || uint64(len(kernel)) > cfg.MemorySize {
		return nil, hv.InvalidParam("vm.create", fmt.Errorf("bios/kernel image larger than configured RAM"))
	}

	hostMem, err := allocateGuestRAM(cfg.MemorySize)
	if err != nil {
		return nil, fmt.Errorf("vm: allocate guest RAM: %w", err)
	}

	mem := memory.New()
	if err := mem.Map(memory.GuestMemoryRegion{
		GuestBase: cfg.MemoryBase,
		HostBase:  0,
		Size:      cfg.MemorySize,
		Flags:     memory.FlagRead | memory.FlagWrite | memory.FlagExecute,
	}); err != nil {
		return nil, fmt.Errorf("vm: map RAM region: %w", err)
	}

	if err := mem.WriteGuest(hostMem, cfg.BiosLoadAddr, bios); err != nil {
		return nil, fmt.Errorf("vm: load BIOS image: %w", err)
	}
	if err := mem.WriteGuest(hostMem, cfg.KernelLoadAddr, kernel); err != nil {
		return nil, fmt.Errorf("vm: load kernel image: %w", err)
	}

	perVM, devices, err := BuildPerVMRegistry(nil)
	if err != nil {
		return nil, fmt.Errorf("vm: build per-VM registry: %w", err)
	}

	v := &VM{
		Config:  cfg,
		Memory:  mem,
		PerVM:   perVM,
		Devices: devices,
		hostMem: hostMem,
		dbg:     debug.WithSource("vm"),
		pending: make(map[uint64]*vcpu.VmCreateArg),
	}

	cores := cfg.affinityCores()
	for i, core := range cores {
		mailbox := ipc.NewMailbox(core, nil)

		var backend uart.Backend
		if i == 0 {
			backend = uart.NewPrimaryConsole(co.consoleOut, co.consoleIn)
		} else {
			backend = uart.NewSecondaryMultiplex(i, "")
		}

		perVCPU, vcpuDevs, err := BuildPerVCPURegistry(cfg.UARTBase, backend)
		if err != nil {
			return nil, fmt.Errorf("vm: build per-vCPU registry for vcpu %d: %w", i, err)
		}

		tiered := registry.Tiered{PerVCPU: perVCPU, PerVM: perVM}
		vc := newVCpu(i, core, vcpuDevs.APICTimer, tiered, mailbox, hostMem)
		v.VCpus = append(v.VCpus, vc)
		v.dispatchers = append(v.dispatchers, vcpu.New(tiered, mem, mailbox, v))
	}

	return v, nil
}

// Close tears the VM down: unmaps the nested page table's regions and
// releases the guest RAM allocation back to the host.
func (v *VM) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.Memory.Close(); err != nil {
		return fmt.Errorf("vm: close memory set: %w", err)
	}
	return freeGuestRAM(v.hostMem)
}

// discardWriter satisfies io.Writer by dropping output, the default
// console sink when the caller supplies none (e.g. in tests).
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// Boot implements §4.H's boot policy: the primary vCPU (index 0) starts
// immediately at the configured kernel entry point; secondaries remain
// parked until a matching SendInitSipi call releases them.
func (v *VM) Boot() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.VCpus) == 0 {
		return hv.BadState("vm.boot", fmt.Errorf("no vCPUs created"))
	}
	v.VCpus[0].setEntry(v.Config.KernelLoadAddr)
	v.dbg.Writef("vcpu0 released at entry 0x%x (core %d)", v.Config.KernelLoadAddr, v.VCpus[0].Affinity())
	return nil
}

// SendInitSipi releases vcpuIndex to begin execution at sipiVector*4KiB,
// modeling the local-APIC ICR INIT+SIPI pair §4.H describes for waking a
// secondary vCPU. vcpuIndex must not be 0 (the primary never receives a
// SIPI in this boot model).
func (v *VM) SendInitSipi(vcpuIndex int, sipiVector uint8) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vcpuIndex <= 0 || vcpuIndex >= len(v.VCpus) {
		return hv.InvalidParam("vm.sendinitsipi", fmt.Errorf("vcpu index %d out of range", vcpuIndex))
	}
	entry := uint64(sipiVector) * 4096
	v.VCpus[vcpuIndex].setEntry(entry)
	v.dbg.Writef("vcpu%d released via INIT+SIPI at entry 0x%x (core %d)",
		vcpuIndex, entry, v.VCpus[vcpuIndex].Affinity())
	return nil
}

// Dispatcher returns the exit dispatcher bound to vcpuIndex's tiered
// registry, the per-vCPU/VM memory set, and this VM's own Hypercalls
// implementation.
func (v *VM) Dispatcher(vcpuIndex int) (*vcpu.Dispatcher, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vcpuIndex < 0 || vcpuIndex >= len(v.dispatchers) {
		return nil, hv.InvalidParam("vm.dispatcher", fmt.Errorf("vcpu index %d out of range", vcpuIndex))
	}
	return v.dispatchers[vcpuIndex], nil
}

var _ vcpu.Hypercalls = (*VM)(nil)

// ShadowProcessInit implements vcpu.Hypercalls.
func (v *VM) ShadowProcessInit() error {
	v.dbg.Writef("shadow process init")
	return nil
}

// CreateVmConfig implements vcpu.Hypercalls: it records arg under its
// VmID, assigning one if the guest left it zero, and fills in the
// load-address echo fields the dispatcher writes back to the guest.
func (v *VM) CreateVmConfig(arg *vcpu.VmCreateArg) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if arg.VmID == 0 {
		arg.VmID = uint64(len(v.pending)) + 1
	}
	arg.BiosLoadPhysicalAddr = v.Config.BiosLoadAddr
	arg.KernelLoadPhysicalAddr = v.Config.KernelLoadAddr
	stored := *arg
	v.pending[arg.VmID] = &stored
	v.dbg.Writef("vm config staged: id=%d bios=0x%x/%d kernel=0x%x/%d",
		arg.VmID, arg.BiosLoadPhysicalAddr, arg.BiosSize, arg.KernelLoadPhysicalAddr, arg.KernelSize)
	return nil
}

// BootVm implements vcpu.Hypercalls: it looks up the staged config for
// vmID and, if present, signals a boot request through every mailbox,
// per §4.G's "any physical CPU can enqueue a BootVm message for another."
func (v *VM) BootVm(vmID uint64) error {
	v.mu.Lock()
	cfg, ok := v.pending[vmID]
	mailboxes := make([]*ipc.Mailbox, len(v.VCpus))
	for i, vc := range v.VCpus {
		mailboxes[i] = vc.mailbox
	}
	v.mu.Unlock()

	if !ok {
		return hv.InvalidParam("vm.bootvm", fmt.Errorf("no staged config for VM %d", vmID))
	}
	v.dbg.Writef("vm boot requested: id=%d cpu_mask=0x%x", cfg.VmID, cfg.CpuMask)
	for _, mb := range mailboxes {
		mb.SendBootVm(vmID)
	}
	return nil
}
