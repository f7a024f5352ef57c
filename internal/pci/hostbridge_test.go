package pci

import "testing"

type fakeCtx struct{}

func (fakeCtx) VCpuID() int { return 0 }

// TestScenarioFType1Check is §8 Scenario F and invariant 9.
func TestScenarioFType1Check(t *testing.T) {
	h := NewHostBridge(NewRootBus())

	if err := h.WriteIOPort(fakeCtx{}, portConfigAddress+3, []byte{0x01}); err != nil {
		t.Fatalf("arm: %v", err)
	}

	var buf [4]byte
	if err := h.ReadIOPort(fakeCtx{}, portConfigAddress, buf[:]); err != nil {
		t.Fatalf("probe read: %v", err)
	}
	got := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
	if got != type1CheckReply {
		t.Fatalf("expected 0x80000000, got 0x%x", got)
	}

	// the probe is consumed; the next read returns the latch, untouched
	// by the probe byte write (zero on a fresh bridge).
	var second [4]byte
	if err := h.ReadIOPort(fakeCtx{}, portConfigAddress, second[:]); err != nil {
		t.Fatalf("second read: %v", err)
	}
	got2 := uint32(second[0]) | uint32(second[1])<<8 | uint32(second[2])<<16 | uint32(second[3])<<24
	if got2 != 0 {
		t.Fatalf("expected 0 on fresh boot, got 0x%x", got2)
	}
}

func TestConfigDataRoutesToFunction(t *testing.T) {
	root := NewRootBus()
	cs := NewConfigSpace()
	cs.SetField(0x00, []byte{0x34, 0x12}) // vendor ID 0x1234
	if _, err := root.AddFunction(Devfn{Device: 1, Function: 0}, "test-dev", cs); err != nil {
		t.Fatalf("add function: %v", err)
	}
	h := NewHostBridge(root)

	latch := uint32(1<<31) | (1 << 11) // bus 0, device 1, function 0, register 0
	var latchBytes [4]byte
	latchBytes[0] = byte(latch)
	latchBytes[1] = byte(latch >> 8)
	latchBytes[2] = byte(latch >> 16)
	latchBytes[3] = byte(latch >> 24)
	if err := h.WriteIOPort(fakeCtx{}, portConfigAddress, latchBytes[:]); err != nil {
		t.Fatalf("latch write: %v", err)
	}

	var data [2]byte
	if err := h.ReadIOPort(fakeCtx{}, portConfigData, data[:]); err != nil {
		t.Fatalf("config read: %v", err)
	}
	got := uint16(data[0]) | uint16(data[1])<<8
	if got != 0x1234 {
		t.Fatalf("expected vendor id 0x1234, got 0x%x", got)
	}
}

func TestConfigReadMissingDeviceReturnsAllOnes(t *testing.T) {
	h := NewHostBridge(NewRootBus())
	latch := uint32(1<<31) | (1 << 11)
	var latchBytes [4]byte
	latchBytes[0] = byte(latch)
	latchBytes[1] = byte(latch >> 8)
	latchBytes[2] = byte(latch >> 16)
	latchBytes[3] = byte(latch >> 24)
	if err := h.WriteIOPort(fakeCtx{}, portConfigAddress, latchBytes[:]); err != nil {
		t.Fatalf("latch write: %v", err)
	}
	var data [4]byte
	if err := h.ReadIOPort(fakeCtx{}, portConfigData, data[:]); err != nil {
		t.Fatalf("config read: %v", err)
	}
	for _, b := range data {
		if b != 0xff {
			t.Fatalf("expected all-ones, got %v", data)
		}
	}
}

func TestDisabledLatchFailsAccess(t *testing.T) {
	h := NewHostBridge(NewRootBus())
	var data [4]byte
	err := h.ReadIOPort(fakeCtx{}, portConfigData, data[:])
	if err == nil {
		t.Fatalf("expected failure with enable bit clear")
	}
}
