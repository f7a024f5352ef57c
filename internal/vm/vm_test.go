package vm

import (
	"testing"

	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/ipc"
	"github.com/quietvm/hvcore/internal/vcpu"
)

func testConfig() *Config {
	return &Config{
		VMID:           1,
		CpuMask:        0b11, // two vCPUs, pinned to physical cores 0 and 1
		MemoryBase:     0,
		MemorySize:     1 << 20, // 1 MiB
		BiosLoadAddr:   0x1000,
		KernelLoadAddr: 0x2000,
		UARTBase:       0x3F8,
	}
}

func TestCreateAssignsOneVCpuPerMaskBit(t *testing.T) {
	cfg := testConfig()
	v, err := Create(cfg, []byte{0xAA}, []byte{0xBB, 0xCC})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	if len(v.VCpus) != cfg.VCpuCount() {
		t.Fatalf("expected %d vCPUs, got %d", cfg.VCpuCount(), len(v.VCpus))
	}
	if v.VCpus[0].Affinity() != 0 || v.VCpus[1].Affinity() != 1 {
		t.Fatalf("expected vCPUs pinned to cores 0,1, got %d,%d", v.VCpus[0].Affinity(), v.VCpus[1].Affinity())
	}
}

func TestCreateLoadsImagesIntoGuestRAM(t *testing.T) {
	cfg := testConfig()
	bios := []byte{0x11, 0x22, 0x33}
	kernel := []byte{0x44, 0x55}
	v, err := Create(cfg, bios, kernel)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	got := make([]byte, len(bios))
	if err := v.Memory.ReadGuest(v.hostMem, cfg.BiosLoadAddr, got); err != nil {
		t.Fatalf("ReadGuest bios: %v", err)
	}
	for i := range bios {
		if got[i] != bios[i] {
			t.Fatalf("bios byte %d: got 0x%x want 0x%x", i, got[i], bios[i])
		}
	}
	got = make([]byte, len(kernel))
	if err := v.Memory.ReadGuest(v.hostMem, cfg.KernelLoadAddr, got); err != nil {
		t.Fatalf("ReadGuest kernel: %v", err)
	}
	for i := range kernel {
		if got[i] != kernel[i] {
			t.Fatalf("kernel byte %d: got 0x%x want 0x%x", i, got[i], kernel[i])
		}
	}
}

func TestCreateRejectsOversizedImage(t *testing.T) {
	cfg := testConfig()
	huge := make([]byte, cfg.MemorySize+1)
	if _, err := Create(cfg, huge, nil); !hv.Is(err, hv.KindInvalidParam) {
		t.Fatalf("expected InvalidParam for oversized image, got %v", err)
	}
}

func TestBootReleasesOnlyPrimary(t *testing.T) {
	v, err := Create(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	if v.VCpus[0].Running() || v.VCpus[1].Running() {
		t.Fatalf("no vCPU should be running before Boot")
	}
	if err := v.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if !v.VCpus[0].Running() {
		t.Fatalf("expected primary vCPU running after Boot")
	}
	if v.VCpus[1].Running() {
		t.Fatalf("expected secondary vCPU still parked after Boot")
	}
}

func TestSendInitSipiReleasesSecondaryAtVectorAddress(t *testing.T) {
	v, err := Create(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	if err := v.Boot(); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := v.SendInitSipi(1, 0x10); err != nil {
		t.Fatalf("SendInitSipi: %v", err)
	}
	if !v.VCpus[1].Running() {
		t.Fatalf("expected secondary vCPU running after SendInitSipi")
	}
	rip, err := v.VCpus[1].GetRegister(hv.RegisterRip)
	if err != nil {
		t.Fatalf("GetRegister: %v", err)
	}
	if want := uint64(0x10) * 4096; rip != want {
		t.Fatalf("expected RIP 0x%x (vector*4KiB), got 0x%x", want, rip)
	}
}

func TestSendInitSipiRejectsPrimaryIndex(t *testing.T) {
	v, err := Create(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	if err := v.SendInitSipi(0, 0x10); !hv.Is(err, hv.KindInvalidParam) {
		t.Fatalf("expected InvalidParam sending SIPI to primary, got %v", err)
	}
}

func TestHypercallCreateThenBootVmSignalsAllMailboxes(t *testing.T) {
	v, err := Create(testConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { v.Close() })

	if err := v.ShadowProcessInit(); err != nil {
		t.Fatalf("ShadowProcessInit: %v", err)
	}

	if err := v.BootVm(99); !hv.Is(err, hv.KindInvalidParam) {
		t.Fatalf("expected InvalidParam booting an unstaged VM id, got %v", err)
	}

	arg := &vcpu.VmCreateArg{VmID: 7, CpuMask: 0b11}
	if err := v.CreateVmConfig(arg); err != nil {
		t.Fatalf("CreateVmConfig: %v", err)
	}
	if err := v.BootVm(7); err != nil {
		t.Fatalf("BootVm after staging: %v", err)
	}

	for i, vc := range v.VCpus {
		msg, ok := vc.mailbox.Pop()
		if !ok {
			t.Fatalf("vcpu %d mailbox: expected a BootVm message queued", i)
		}
		if msg.Kind != ipc.MessageBootVm || msg.VmID != 7 {
			t.Fatalf("vcpu %d mailbox: expected BootVm(7), got %+v", i, msg)
		}
	}
}

func TestValidateRejectsUnalignedMemory(t *testing.T) {
	cfg := Config{CpuMask: 1, MemorySize: 100, MemoryBase: 0}
	if err := cfg.Validate(); !hv.Is(err, hv.KindInvalidParam) {
		t.Fatalf("expected InvalidParam for unaligned memory size, got %v", err)
	}
}

func TestVCpuCountMatchesPopcount(t *testing.T) {
	cfg := Config{CpuMask: 0b1011}
	if got := cfg.VCpuCount(); got != 3 {
		t.Fatalf("expected 3 vCPUs for mask 0b1011, got %d", got)
	}
}
