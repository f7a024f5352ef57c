// Package registry implements component E: range-keyed dispatch tables for
// port-I/O, MMIO, and MSR accesses, shared across cores. It is adapted
// from the teacher's internal/chipset package — same builder-then-build
// shape, same linear-scan-under-a-short-lived-lock lookup discipline —
// generalized with an MSR table (the teacher never needed one: its KVM
// backend handles RDMSR/WRMSR misses by forwarding to the host kernel)
// and split into two tiers per §4.E: a per-vCPU Registry and a per-VM one,
// consulted in that order by Lookup*.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/hv"
)

type mmioBinding struct {
	region  hv.MMIORegion
	handler hv.MMIODevice
}

type msrBinding struct {
	rng     hv.MSRRange
	handler hv.MSRDevice
}

// Builder accumulates device registrations before Build freezes them into
// an immutable Registry. Registration order does not matter; overlapping
// ranges are rejected at registration time, to fail fast the way the
// teacher's ChipsetBuilder does.
type Builder struct {
	mu sync.Mutex

	devices map[string]hv.Device
	pio     map[uint16]hv.PortIODevice
	mmio    []mmioBinding
	msr     []msrBinding
	polls   []hv.PollDevice
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{
		devices: make(map[string]hv.Device),
		pio:     make(map[uint16]hv.PortIODevice),
	}
}

// RegisterPortIO registers a device's I/O ports with the builder.
func (b *Builder) RegisterPortIO(name string, dev hv.PortIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.addDeviceLocked(name, dev); err != nil {
		return err
	}
	for _, port := range dev.IOPorts() {
		if _, exists := b.pio[port]; exists {
			return fmt.Errorf("registry: device %q: I/O port 0x%x already registered", name, port)
		}
		b.pio[port] = dev
	}
	return nil
}

// RegisterMMIO registers a device's MMIO regions with the builder.
func (b *Builder) RegisterMMIO(name string, dev hv.MMIODevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.addDeviceLocked(name, dev); err != nil {
		return err
	}
	for _, region := range dev.MMIORegions() {
		for _, existing := range b.mmio {
			if regionsOverlap(region, existing.region) {
				return fmt.Errorf("registry: device %q: MMIO region 0x%x-0x%x overlaps existing 0x%x-0x%x",
					name, region.Address, region.Address+region.Size-1,
					existing.region.Address, existing.region.Address+existing.region.Size-1)
			}
		}
		b.mmio = append(b.mmio, mmioBinding{region: region, handler: dev})
	}
	return nil
}

// RegisterMSR registers a device's MSR ranges with the builder.
func (b *Builder) RegisterMSR(name string, dev hv.MSRDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.addDeviceLocked(name, dev); err != nil {
		return err
	}
	for _, rng := range dev.MSRRanges() {
		for _, existing := range b.msr {
			if rng.Low <= existing.rng.High && existing.rng.Low <= rng.High {
				return fmt.Errorf("registry: device %q: MSR range 0x%x-0x%x overlaps existing 0x%x-0x%x",
					name, rng.Low, rng.High, existing.rng.Low, existing.rng.High)
			}
		}
		b.msr = append(b.msr, msrBinding{rng: rng, handler: dev})
	}
	return nil
}

// RegisterPoll adds a poll-capable device, driven once per exit-loop
// iteration by Registry.Poll.
func (b *Builder) RegisterPoll(name string, dev hv.PollDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.polls = append(b.polls, dev)
	return nil
}

func (b *Builder) addDeviceLocked(name string, dev hv.Device) error {
	if name == "" {
		return fmt.Errorf("registry: device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("registry: device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("registry: device %q already registered", name)
	}
	b.devices[name] = dev
	return nil
}

func regionsOverlap(a, b hv.MMIORegion) bool {
	aEnd := a.Address + a.Size
	bEnd := b.Address + b.Size
	return a.Address < bEnd && b.Address < aEnd
}

// Build freezes the builder into an immutable Registry. The Builder
// remains usable afterward (Build copies, it does not consume).
func (b *Builder) Build() (*Registry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	devices := make(map[string]hv.Device, len(b.devices))
	for k, v := range b.devices {
		devices[k] = v
	}
	pio := make(map[uint16]hv.PortIODevice, len(b.pio))
	for k, v := range b.pio {
		pio[k] = v
	}
	mmio := append([]mmioBinding(nil), b.mmio...)
	msr := append([]msrBinding(nil), b.msr...)
	polls := append([]hv.PollDevice(nil), b.polls...)

	return &Registry{devices: devices, pio: pio, mmio: mmio, msr: msr, polls: polls}, nil
}

// Registry is the frozen, thread-safe dispatch table built by Builder.
type Registry struct {
	mu sync.RWMutex

	devices map[string]hv.Device
	pio     map[uint16]hv.PortIODevice
	mmio    []mmioBinding
	msr     []msrBinding
	polls   []hv.PollDevice
}

// Init calls Init on every registered device, in deterministic (sorted
// name) order.
func (r *Registry) Init() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.deviceNamesLocked() {
		if err := r.devices[name].Init(); err != nil {
			return fmt.Errorf("registry: init device %q: %w", name, err)
		}
	}
	return nil
}

func (r *Registry) deviceNamesLocked() []string {
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupPortIO returns the device owning port, and whether one was found.
func (r *Registry) LookupPortIO(port uint16) (hv.PortIODevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.pio[port]
	return dev, ok
}

// LookupMMIO returns the device owning the half-open range
// [addr, addr+len(data)), and whether one was found. The whole access must
// land inside a single device's region (the teacher's chipset.HandleMMIO
// does the same containment check).
func (r *Registry) LookupMMIO(addr uint64, size uint64) (hv.MMIODevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	end := addr + size
	for _, binding := range r.mmio {
		start := binding.region.Address
		regionEnd := start + binding.region.Size
		if addr >= start && end <= regionEnd {
			return binding.handler, true
		}
	}
	return nil, false
}

// LookupMSR returns the device owning msr, and whether one was found.
func (r *Registry) LookupMSR(msr uint32) (hv.MSRDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, binding := range r.msr {
		if binding.rng.Contains(msr) {
			return binding.handler, true
		}
	}
	return nil, false
}

// HandlePortIO dispatches a port-I/O access directly (used when a caller
// already knows which tier owns the port).
func (r *Registry) HandlePortIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) (bool, error) {
	dev, ok := r.LookupPortIO(port)
	if !ok {
		return false, nil
	}
	debug.Writef("registry.pio", "dev=%T port=0x%04x data=% x write=%t", dev, port, data, isWrite)
	if isWrite {
		return true, dev.WriteIOPort(ctx, port, data)
	}
	return true, dev.ReadIOPort(ctx, port, data)
}

// HandleMMIO dispatches an MMIO access directly.
func (r *Registry) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) (bool, error) {
	dev, ok := r.LookupMMIO(addr, uint64(len(data)))
	if !ok {
		return false, nil
	}
	debug.Writef("registry.mmio", "dev=%T addr=0x%016x data=% x write=%t", dev, addr, data, isWrite)
	if isWrite {
		return true, dev.WriteMMIO(ctx, addr, data)
	}
	return true, dev.ReadMMIO(ctx, addr, data)
}

// HandleMSR dispatches an MSR access directly.
func (r *Registry) HandleMSR(ctx hv.ExitContext, msr uint32, isWrite bool, value uint64) (bool, uint64, error) {
	dev, ok := r.LookupMSR(msr)
	if !ok {
		return false, 0, nil
	}
	debug.Writef("registry.msr", "dev=%T msr=0x%x write=%t value=0x%x", dev, msr, isWrite, value)
	if isWrite {
		return true, 0, dev.WriteMSR(ctx, msr, value)
	}
	v, err := dev.ReadMSR(ctx, msr)
	return true, v, err
}

// Poll drives every poll-capable device once.
func (r *Registry) Poll() error {
	r.mu.RLock()
	polls := r.polls
	r.mu.RUnlock()
	for _, p := range polls {
		if err := p.Poll(); err != nil {
			return fmt.Errorf("registry: poll: %w", err)
		}
	}
	return nil
}

// Tiered couples a per-vCPU Registry with a per-VM Registry: on a miss the
// per-vCPU tier is tried first, then the per-VM tier, matching §4.E.
type Tiered struct {
	PerVCPU *Registry
	PerVM   *Registry
}

func (t Tiered) HandlePortIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) error {
	if t.PerVCPU != nil {
		if handled, err := t.PerVCPU.HandlePortIO(ctx, port, data, isWrite); handled {
			return err
		}
	}
	if t.PerVM != nil {
		if handled, err := t.PerVM.HandlePortIO(ctx, port, data, isWrite); handled {
			return err
		}
	}
	return hv.OutOfRange("registry.pio", fmt.Errorf("no handler for I/O port 0x%04x", port))
}

func (t Tiered) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	if t.PerVCPU != nil {
		if handled, err := t.PerVCPU.HandleMMIO(ctx, addr, data, isWrite); handled {
			return err
		}
	}
	if t.PerVM != nil {
		if handled, err := t.PerVM.HandleMMIO(ctx, addr, data, isWrite); handled {
			return err
		}
	}
	return hv.OutOfRange("registry.mmio", fmt.Errorf("no handler for MMIO address 0x%016x", addr))
}

func (t Tiered) HandleMSR(ctx hv.ExitContext, msr uint32, isWrite bool, value uint64) (uint64, error) {
	if t.PerVCPU != nil {
		if handled, v, err := t.PerVCPU.HandleMSR(ctx, msr, isWrite, value); handled {
			return v, err
		}
	}
	if t.PerVM != nil {
		if handled, v, err := t.PerVM.HandleMSR(ctx, msr, isWrite, value); handled {
			return v, err
		}
	}
	return 0, hv.OutOfRange("registry.msr", fmt.Errorf("no handler for MSR 0x%x", msr))
}

func (t Tiered) Poll() error {
	if t.PerVCPU != nil {
		if err := t.PerVCPU.Poll(); err != nil {
			return err
		}
	}
	if t.PerVM != nil {
		return t.PerVM.Poll()
	}
	return nil
}
