// Concrete device-set construction, per component E: one per-vCPU
// registry.Registry (APIC timer, legacy chipset, per-vCPU UART, and the
// FPU/VGA/DMA/PS-2/CPU-model-MSR dummies) and one per-VM registry.Registry
// (PCI host bridge, virtio transports) shared by every vCPU in the VM.
// Grounded on the teacher's internal/hv.Hypervisor/virtualMachine
// construction sequence, which likewise builds one Chipset per VM and
// hands every vCPU a reference to it — generalized here into the two-tier
// split §4.E requires, since the teacher's chipset has no per-vCPU
// concept (KVM's in-kernel LAPIC makes one unnecessary there).
package vm

import (
	"fmt"

	"github.com/quietvm/hvcore/internal/devices/apictimer"
	"github.com/quietvm/hvcore/internal/devices/bundle"
	"github.com/quietvm/hvcore/internal/devices/dummy"
	"github.com/quietvm/hvcore/internal/devices/pic"
	"github.com/quietvm/hvcore/internal/devices/pit"
	"github.com/quietvm/hvcore/internal/devices/uart"
	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/pci"
	"github.com/quietvm/hvcore/internal/registry"
)

// Dummy port/MSR ranges for the peripherals this core never backs with
// real behavior, per §4.E's list: "dummies for FPU/VGA/DMA/PS-2 ports,
// APIC-base MSR, CPU-model-specific MSR dummies" (APIC-base itself is
// served by apictimer.Timer, not a dummy, since it is one of the two
// ranges that device actually owns).
var (
	fpuPorts = []uint16{0xF0, 0xF1}
	vgaPorts = ioRange(0x3B0, 0x3DF)
	dmaPorts = ioRange(0x00, 0x1F)
	ps2Ports = []uint16{0x60, 0x64}

	cpuModelSpecificMSRs = []hv.MSRRange{
		{Low: 0x174, High: 0x176},           // SYSENTER_CS/ESP/EIP
		{Low: 0xC0000080, High: 0xC0000102}, // EFER..KERNEL_GS_BASE
	}
)

func ioRange(low, high uint16) []uint16 {
	ports := make([]uint16, 0, int(high-low)+1)
	for p := low; p <= high; p++ {
		ports = append(ports, p)
	}
	return ports
}

// PerVCPUDevices is the set of freshly constructed devices one vCPU's
// registry owns exclusively: they are not shared with any other vCPU in
// the VM.
type PerVCPUDevices struct {
	APICTimer *apictimer.Timer
	PIC       *pic.DualPIC
	PIT       *pit.Pit
	Bundle    *bundle.Bundle
	UART      *uart.Uart16550
}

// BuildPerVCPURegistry assembles one vCPU's registry.Registry from fresh
// device instances, per §4.E. uartBackend supplies the UART's console
// (PrimaryConsole for vCPU 0, a SecondaryMultiplex for the rest, by
// convention of the caller).
func BuildPerVCPURegistry(uartBase uint16, uartBackend uart.Backend) (*registry.Registry, *PerVCPUDevices, error) {
	b := registry.New()

	devs := &PerVCPUDevices{
		APICTimer: apictimer.New(),
		PIC:       pic.New(),
		PIT:       pit.New(),
	}
	devs.Bundle = bundle.New(devs.PIT)
	devs.UART = uart.New(uartBase, uartBackend, 256)

	elcr := pic.NewELCR()

	regs := []struct {
		name string
		dev  hv.PortIODevice
	}{
		{"pic", devs.PIC},
		{"elcr", elcr},
		{"bundle", devs.Bundle},
		{"uart", devs.UART},
		{"fpu-dummy", dummy.NewPort("fpu", fpuPorts...)},
		{"vga-dummy", dummy.NewPort("vga", vgaPorts...)},
		{"dma-dummy", dummy.NewPort("dma", dmaPorts...)},
		{"ps2-dummy", dummy.NewPort("ps2", ps2Ports...)},
	}
	for _, r := range regs {
		if err := b.RegisterPortIO(r.name, r.dev); err != nil {
			return nil, nil, fmt.Errorf("vm: per-vcpu registry: %w", err)
		}
	}
	if err := b.RegisterMSR("apic-timer", devs.APICTimer); err != nil {
		return nil, nil, fmt.Errorf("vm: per-vcpu registry: %w", err)
	}
	if err := b.RegisterMSR("cpu-msr-dummy", dummy.NewMSR("cpu-msr", cpuModelSpecificMSRs...)); err != nil {
		return nil, nil, fmt.Errorf("vm: per-vcpu registry: %w", err)
	}
	if err := b.RegisterPoll("uart", devs.UART); err != nil {
		return nil, nil, fmt.Errorf("vm: per-vcpu registry: %w", err)
	}

	reg, err := b.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("vm: build per-vcpu registry: %w", err)
	}
	return reg, devs, nil
}

// PerVMDevices is the set of devices every vCPU in the VM shares.
type PerVMDevices struct {
	HostBridge *pci.HostBridge
	RootBus    *pci.Bus
}

// NamedMMIODevice pairs an hv.MMIODevice with the name it should be
// registered under, for callers assembling the per-VM registry from a
// dynamic set of virtio transports.
type NamedMMIODevice struct {
	Name   string
	Device hv.MMIODevice
}

// BuildPerVMRegistry assembles the VM-wide registry.Registry: it creates a
// fresh, empty PCI root bus and its host bridge, and registers each of
// mmioDevices (e.g. virtio transports' MMIO regions) under its name.
func BuildPerVMRegistry(mmioDevices []NamedMMIODevice) (*registry.Registry, *PerVMDevices, error) {
	b := registry.New()

	root := pci.NewRootBus()
	hostBridge := pci.NewHostBridge(root)

	if err := b.RegisterPortIO("pci-hostbridge", hostBridge); err != nil {
		return nil, nil, fmt.Errorf("vm: per-vm registry: %w", err)
	}
	for _, nd := range mmioDevices {
		if err := b.RegisterMMIO(nd.Name, nd.Device); err != nil {
			return nil, nil, fmt.Errorf("vm: per-vm registry: %w", err)
		}
	}

	reg, err := b.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("vm: build per-vm registry: %w", err)
	}
	return reg, &PerVMDevices{HostBridge: hostBridge, RootBus: root}, nil
}
