package vcpu

import (
	"testing"

	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/ipc"
	"github.com/quietvm/hvcore/internal/memory"
	"github.com/quietvm/hvcore/internal/registry"
)

type fakeCtx struct{}

func (fakeCtx) VCpuID() int { return 0 }

type fakeContextSwitch struct {
	regs    map[hv.Register]uint64
	cr3     uint64
	hostMem []byte

	advancedBy []uint64
	queued     []uint8
}

func newFakeCS(hostMem []byte, cr3 uint64) *fakeContextSwitch {
	return &fakeContextSwitch{regs: make(map[hv.Register]uint64), cr3: cr3, hostMem: hostMem}
}

func (f *fakeContextSwitch) GetRegister(reg hv.Register) (uint64, error) { return f.regs[reg], nil }
func (f *fakeContextSwitch) SetRegister(reg hv.Register, value uint64) error {
	f.regs[reg] = value
	return nil
}
func (f *fakeContextSwitch) AdvanceRIP(bytes uint64) error {
	f.advancedBy = append(f.advancedBy, bytes)
	return nil
}
func (f *fakeContextSwitch) QueueEvent(vector uint8, errCode *uint32) error {
	f.queued = append(f.queued, vector)
	return nil
}
func (f *fakeContextSwitch) GuestCR3() (uint64, error) { return f.cr3, nil }
func (f *fakeContextSwitch) HostMemory() []byte        { return f.hostMem }

// fakePort is a minimal hv.PortIODevice double.
type fakePort struct {
	port    uint16
	lastOut []byte
	in      []byte
}

func (p *fakePort) Init() error       { return nil }
func (p *fakePort) IOPorts() []uint16 { return []uint16{p.port} }
func (p *fakePort) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	copy(data, p.in)
	return nil
}
func (p *fakePort) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.lastOut = append([]byte(nil), data...)
	return nil
}

// fakeMMIO is a minimal hv.MMIODevice double backed by a flat byte slice.
type fakeMMIO struct {
	base uint64
	mem  [16]byte
}

func (m *fakeMMIO) Init() error { return nil }
func (m *fakeMMIO) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: m.base, Size: uint64(len(m.mem))}}
}
func (m *fakeMMIO) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	off := addr - m.base
	copy(data, m.mem[off:])
	return nil
}
func (m *fakeMMIO) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	off := addr - m.base
	copy(m.mem[off:], data)
	return nil
}

func buildRegistry(t *testing.T, port *fakePort, mmio *fakeMMIO) registry.Tiered {
	t.Helper()
	b := registry.New()
	if port != nil {
		if err := b.RegisterPortIO("port", port); err != nil {
			t.Fatalf("register port: %v", err)
		}
	}
	if mmio != nil {
		if err := b.RegisterMMIO("mmio", mmio); err != nil {
			t.Fatalf("register mmio: %v", err)
		}
	}
	reg, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return registry.Tiered{PerVM: reg}
}

// TestScenarioDIOZeroExtension is invariant 8 / Scenario D: an 8-bit IN
// must zero-extend into RAX preserving only the upper 56 bits, and a
// 16-bit IN preserves only the upper 48.
func TestScenarioDIOZeroExtension(t *testing.T) {
	port := &fakePort{port: 0x3f8, in: []byte{0xAB}}
	reg := buildRegistry(t, port, nil)
	d := New(reg, memory.New(), nil, nil)

	cs := newFakeCS(nil, 0)
	cs.regs[hv.RegisterRax] = 0xffffffffffffffff

	err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{
		Reason: ExitReasonIO, InstructionLength: 1,
		IO: &IOExitInfo{Port: 0x3f8, Size: 1, IsWrite: false},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got, want := cs.regs[hv.RegisterRax], uint64(0xffffffffffffffAB); got != want {
		t.Fatalf("expected RAX=0x%x, got 0x%x", want, got)
	}
	if len(cs.advancedBy) != 1 || cs.advancedBy[0] != 1 {
		t.Fatalf("expected RIP advanced by 1, got %v", cs.advancedBy)
	}
}

func TestIOWriteTakesLowBytes(t *testing.T) {
	port := &fakePort{port: 0x60}
	reg := buildRegistry(t, port, nil)
	d := New(reg, memory.New(), nil, nil)

	cs := newFakeCS(nil, 0)
	cs.regs[hv.RegisterRax] = 0x1122334455667788

	if err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{
		Reason: ExitReasonIO, InstructionLength: 1,
		IO: &IOExitInfo{Port: 0x60, Size: 1, IsWrite: true},
	}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(port.lastOut) != 1 || port.lastOut[0] != 0x88 {
		t.Fatalf("expected low byte 0x88 written, got %v", port.lastOut)
	}
}

func TestIOStringRejected(t *testing.T) {
	d := New(registry.Tiered{}, memory.New(), nil, nil)
	cs := newFakeCS(nil, 0)
	err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{
		Reason: ExitReasonIO,
		IO:     &IOExitInfo{Port: 0x3f8, Size: 1, IsString: true},
	})
	if !hv.Is(err, hv.KindNotSupported) {
		t.Fatalf("expected NotSupported, got %v", err)
	}
}

// TestScenarioEEptDecodeAndDispatch exercises the full EPT-violation path:
// guest page-table walk to fetch the faulting instruction, MOV decode,
// MMIO dispatch, and RIP advancement by the decoded instruction length.
func TestScenarioEEptDecodeAndDispatch(t *testing.T) {
	hostMem := make([]byte, 1<<20)
	mem := memory.New()
	if err := mem.Map(memory.GuestMemoryRegion{
		GuestBase: 0, HostBase: 0, Size: 1 << 20,
		Flags: memory.FlagRead | memory.FlagWrite | memory.FlagExecute,
	}); err != nil {
		t.Fatalf("map: %v", err)
	}

	putEntry := func(tableGpa uint64, index int, value uint64) {
		off := tableGpa + uint64(index)*8
		for i := 0; i < 8; i++ {
			hostMem[off+uint64(i)] = byte(value >> (8 * i))
		}
	}
	const cr3 = 0x1000
	putEntry(cr3, 0, 0x2000|1)    // PML4[0] -> PDPT
	putEntry(0x2000, 0, 0x3000|1) // PDPT[0] -> PD
	putEntry(0x3000, 0, 0x4000|1) // PD[0] -> PT
	putEntry(0x4000, 9, 0x9000|1) // PT[9] -> identity page at 0x9000 (gva 0x9000 -> index 9)

	// mov dword [rax], 0x12345678
	copy(hostMem[0x9000:], []byte{0xC7, 0x00, 0x78, 0x56, 0x34, 0x12})

	mmio := &fakeMMIO{base: 0xA000}
	reg := buildRegistry(t, nil, mmio)
	d := New(reg, mem, nil, nil)

	cs := newFakeCS(hostMem, cr3)
	err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{
		Reason:   ExitReasonEPTViolation,
		GuestRIP: 0x9000,
		EPT:      &EPTViolationInfo{Gpa: 0xA000, IsWrite: true},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	want := [4]byte{0x78, 0x56, 0x34, 0x12}
	var got [4]byte
	copy(got[:], mmio.mem[:4])
	if got != want {
		t.Fatalf("expected %v written to MMIO, got %v", want, got)
	}
	if len(cs.advancedBy) != 1 || cs.advancedBy[0] != 6 {
		t.Fatalf("expected RIP advanced by 6 (decoded instruction length), got %v", cs.advancedBy)
	}
}

func TestRdmsrAndWrmsrRoundTrip(t *testing.T) {
	dev := &fakeMSR{value: 0x1122334455667788}
	b := registry.New()
	if err := b.RegisterMSR("msr", dev); err != nil {
		t.Fatalf("register: %v", err)
	}
	rr, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	d := New(registry.Tiered{PerVM: rr}, memory.New(), nil, nil)
	cs := newFakeCS(nil, 0)
	cs.regs[hv.RegisterRcx] = 0x800

	if err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{Reason: ExitReasonRDMSR, InstructionLength: 2}); err != nil {
		t.Fatalf("rdmsr: %v", err)
	}
	if cs.regs[hv.RegisterRax] != 0x55667788 || cs.regs[hv.RegisterRdx] != 0x11223344 {
		t.Fatalf("unexpected EDX:EAX split, rax=0x%x rdx=0x%x", cs.regs[hv.RegisterRax], cs.regs[hv.RegisterRdx])
	}
	if len(cs.advancedBy) != 1 || cs.advancedBy[0] != 2 {
		t.Fatalf("expected RIP advance of 2, got %v", cs.advancedBy)
	}

	cs.regs[hv.RegisterRax] = 0xAAAAAAAA
	cs.regs[hv.RegisterRdx] = 0xBBBBBBBB
	if err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{Reason: ExitReasonWRMSR, InstructionLength: 2}); err != nil {
		t.Fatalf("wrmsr: %v", err)
	}
	if dev.value != 0xBBBBBBBBAAAAAAAA {
		t.Fatalf("expected written value 0xBBBBBBBBAAAAAAAA, got 0x%x", dev.value)
	}
}

func TestRdmsrMissPanics(t *testing.T) {
	d := New(registry.Tiered{}, memory.New(), nil, nil)
	cs := newFakeCS(nil, 0)
	cs.regs[hv.RegisterRcx] = 0x999

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on RDMSR miss")
		}
	}()
	_ = d.Dispatch(fakeCtx{}, cs, VmExitInfo{Reason: ExitReasonRDMSR})
}

func TestExternalInterruptDispatchesRegisteredHandler(t *testing.T) {
	d := New(registry.Tiered{}, memory.New(), nil, nil)
	fired := false
	d.RegisterIRQHandler(0x40, func() error { fired = true; return nil })

	err := d.Dispatch(fakeCtx{}, newFakeCS(nil, 0), VmExitInfo{
		Reason: ExitReasonExternalInterrupt, Interrupt: &InterruptExitInfo{Vector: 0x40},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !fired {
		t.Fatalf("expected handler to fire")
	}
}

func TestExternalInterruptOutOfRangePanics(t *testing.T) {
	d := New(registry.Tiered{}, memory.New(), nil, nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for out-of-range vector")
		}
	}()
	_ = d.Dispatch(fakeCtx{}, newFakeCS(nil, 0), VmExitInfo{
		Reason: ExitReasonExternalInterrupt, Interrupt: &InterruptExitInfo{Vector: 0x10},
	})
}

func TestNMISpuriousReinjects(t *testing.T) {
	mailbox := ipc.NewMailbox(0, nil)
	d := New(registry.Tiered{}, memory.New(), mailbox, nil)
	cs := newFakeCS(nil, 0)

	if err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{Reason: ExitReasonNMI}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(cs.queued) != 1 || cs.queued[0] != nmiVector {
		t.Fatalf("expected spurious NMI reinjected, got %v", cs.queued)
	}
}

func TestNMIBootVmDrainedWithoutReinject(t *testing.T) {
	mailbox := ipc.NewMailbox(0, nil)
	mailbox.SendBootVm(7)

	hc := &fakeHypercalls{}
	d := New(registry.Tiered{}, memory.New(), mailbox, hc)
	cs := newFakeCS(nil, 0)

	if err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{Reason: ExitReasonNMI}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(cs.queued) != 0 {
		t.Fatalf("expected no reinject when a message was handled, got %v", cs.queued)
	}
	if hc.bootedVmID != 7 {
		t.Fatalf("expected BootVm(7), got %d", hc.bootedVmID)
	}
}

func TestHypercallBootVm(t *testing.T) {
	hc := &fakeHypercalls{}
	d := New(registry.Tiered{}, memory.New(), nil, hc)
	cs := newFakeCS(nil, 0)
	cs.regs[hv.RegisterRax] = HypercallBootVm
	cs.regs[hv.RegisterRdi] = 42

	if err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{Reason: ExitReasonHypercall, InstructionLength: 3}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if hc.bootedVmID != 42 {
		t.Fatalf("expected BootVm(42), got %d", hc.bootedVmID)
	}
	if cs.regs[hv.RegisterRax] != 0 {
		t.Fatalf("expected RAX=0 on success, got 0x%x", cs.regs[hv.RegisterRax])
	}
}

func TestHypercallCreateVmConfigRoundTrip(t *testing.T) {
	hostMem := make([]byte, 1<<16)
	mem := memory.New()
	if err := mem.Map(memory.GuestMemoryRegion{
		GuestBase: 0, HostBase: 0, Size: 1 << 16,
		Flags: memory.FlagRead | memory.FlagWrite,
	}); err != nil {
		t.Fatalf("map: %v", err)
	}
	const argGpa = 0x100
	arg := VmCreateArg{VmType: 1, CpuMask: 0b11, BiosSize: 0x1000, KernelSize: 0x2000}
	var raw [vmCreateArgSize]byte
	encodeVmCreateArg(arg, raw[:])
	copy(hostMem[argGpa:], raw[:])

	hc := &fakeHypercalls{fillVmID: 99, fillBiosAddr: 0x10000, fillKernelAddr: 0x20000}
	d := New(registry.Tiered{}, mem, nil, hc)
	cs := newFakeCS(hostMem, 0)
	cs.regs[hv.RegisterRax] = HypercallCreateVmConfig
	cs.regs[hv.RegisterRdi] = argGpa

	if err := d.Dispatch(fakeCtx{}, cs, VmExitInfo{Reason: ExitReasonHypercall, InstructionLength: 3}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	var out [vmCreateArgSize]byte
	copy(out[:], hostMem[argGpa:])
	got := decodeVmCreateArg(out[:])
	if got.VmID != 99 || got.BiosLoadPhysicalAddr != 0x10000 || got.KernelLoadPhysicalAddr != 0x20000 {
		t.Fatalf("unexpected round-tripped arg: %+v", got)
	}
	if got.CpuMask != 0b11 {
		t.Fatalf("expected input field CpuMask preserved, got %v", got.CpuMask)
	}
}

type fakeMSR struct {
	value uint64
}

func (m *fakeMSR) Init() error             { return nil }
func (m *fakeMSR) MSRRanges() []hv.MSRRange { return []hv.MSRRange{{Low: 0x800, High: 0x840}} }
func (m *fakeMSR) ReadMSR(ctx hv.ExitContext, msr uint32) (uint64, error) { return m.value, nil }
func (m *fakeMSR) WriteMSR(ctx hv.ExitContext, msr uint32, value uint64) error {
	m.value = value
	return nil
}

type fakeHypercalls struct {
	bootedVmID     uint64
	fillVmID       uint64
	fillBiosAddr   uint64
	fillKernelAddr uint64
}

func (f *fakeHypercalls) ShadowProcessInit() error { return nil }
func (f *fakeHypercalls) CreateVmConfig(arg *VmCreateArg) error {
	arg.VmID = f.fillVmID
	arg.BiosLoadPhysicalAddr = f.fillBiosAddr
	arg.KernelLoadPhysicalAddr = f.fillKernelAddr
	return nil
}
func (f *fakeHypercalls) BootVm(vmID uint64) error {
	f.bootedVmID = vmID
	return nil
}
