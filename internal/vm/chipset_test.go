package vm

import (
	"bytes"
	"testing"

	"github.com/quietvm/hvcore/internal/devices/uart"
	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/registry"
)

type fakeCtx struct{}

func (fakeCtx) VCpuID() int { return 0 }

func TestBuildPerVCPURegistryCoversNamedDevices(t *testing.T) {
	var out bytes.Buffer
	backend := uart.NewPrimaryConsole(&out, nil)
	reg, devs, err := BuildPerVCPURegistry(0x3F8, backend)
	if err != nil {
		t.Fatalf("BuildPerVCPURegistry: %v", err)
	}
	if devs.PIC == nil || devs.PIT == nil || devs.Bundle == nil || devs.UART == nil || devs.APICTimer == nil {
		t.Fatalf("expected all per-vCPU devices constructed, got %+v", devs)
	}

	tiered := registry.Tiered{PerVCPU: reg}

	// PIC command port should be handled, not fall through to OutOfRange.
	buf := []byte{0}
	if err := tiered.HandlePortIO(fakeCtx{}, 0x20, buf, false); err != nil {
		t.Fatalf("read PIC port 0x20: %v", err)
	}

	// A dummy-covered port (PS/2 data) must read back zero rather than error.
	buf[0] = 0xAA
	if err := tiered.HandlePortIO(fakeCtx{}, 0x60, buf, false); err != nil {
		t.Fatalf("read dummy PS/2 port: %v", err)
	}
	if buf[0] != 0 {
		t.Fatalf("expected dummy port to read back zero, got 0x%x", buf[0])
	}

	// A write to a dummy MSR must be accepted silently.
	if _, err := tiered.HandleMSR(fakeCtx{}, 0x174, true, 0x08); err != nil {
		t.Fatalf("write dummy MSR: %v", err)
	}

	// An unregistered port still surfaces as OutOfRange.
	err = tiered.HandlePortIO(fakeCtx{}, 0x2000, buf, false)
	if !hv.Is(err, hv.KindOutOfRange) {
		t.Fatalf("expected OutOfRange for unmapped port, got %v", err)
	}
}

func TestBuildPerVCPURegistryAllowsSamePortsAcrossInstances(t *testing.T) {
	backend := uart.NewPrimaryConsole(&bytes.Buffer{}, nil)
	if _, _, err := BuildPerVCPURegistry(0x3F8, backend); err != nil {
		t.Fatalf("first BuildPerVCPURegistry: %v", err)
	}
	// A second, independent registry for another vCPU must not collide
	// with the first's ports since each call starts a fresh Builder.
	if _, _, err := BuildPerVCPURegistry(0x2F8, backend); err != nil {
		t.Fatalf("second BuildPerVCPURegistry: %v", err)
	}
}

func TestBuildPerVMRegistryCoversHostBridge(t *testing.T) {
	reg, devs, err := BuildPerVMRegistry(nil)
	if err != nil {
		t.Fatalf("BuildPerVMRegistry: %v", err)
	}
	if devs.HostBridge == nil || devs.RootBus == nil {
		t.Fatalf("expected host bridge and root bus constructed")
	}

	tiered := registry.Tiered{PerVM: reg}
	buf := make([]byte, 4)
	if err := tiered.HandlePortIO(fakeCtx{}, 0xCF8, buf, false); err != nil {
		t.Fatalf("read PCI config address port: %v", err)
	}
}

func TestTieredPrefersPerVCPUOverPerVM(t *testing.T) {
	backend := uart.NewPrimaryConsole(&bytes.Buffer{}, nil)
	vcpuReg, _, err := BuildPerVCPURegistry(0x3F8, backend)
	if err != nil {
		t.Fatalf("BuildPerVCPURegistry: %v", err)
	}
	vmReg, _, err := BuildPerVMRegistry(nil)
	if err != nil {
		t.Fatalf("BuildPerVMRegistry: %v", err)
	}
	tiered := registry.Tiered{PerVCPU: vcpuReg, PerVM: vmReg}

	buf := []byte{0}
	if err := tiered.HandlePortIO(fakeCtx{}, 0x20, buf, false); err != nil {
		t.Fatalf("expected per-vCPU PIC port to be served: %v", err)
	}
	buf4 := make([]byte, 4)
	if err := tiered.HandlePortIO(fakeCtx{}, 0xCF8, buf4, false); err != nil {
		t.Fatalf("expected per-VM PCI config port to be served: %v", err)
	}
}
