package bundle

import (
	"testing"

	"github.com/quietvm/hvcore/internal/devices/pit"
	"github.com/quietvm/hvcore/internal/hv"
)

type fakeCtx struct{}

func (fakeCtx) VCpuID() int { return 0 }

func TestCmosOneShotSelection(t *testing.T) {
	b := New(pit.New())
	if err := b.WriteIOPort(fakeCtx{}, cmosAddrPort, []byte{0x0A}); err != nil {
		t.Fatalf("select: %v", err)
	}
	var buf [1]byte
	if err := b.ReadIOPort(fakeCtx{}, cmosDataPort, buf[:]); err != nil {
		t.Fatalf("first read: %v", err)
	}
	if buf[0] != 0 {
		t.Fatalf("expected 0, got %d", buf[0])
	}
	// selection was consumed: a second access without reselecting fails.
	err := b.ReadIOPort(fakeCtx{}, cmosDataPort, buf[:])
	if !hv.Is(err, hv.KindBadState) {
		t.Fatalf("expected BadState after selection consumed, got %v", err)
	}
}

func TestNmiBitInvertedFromHighBit(t *testing.T) {
	b := New(pit.New())
	if err := b.WriteIOPort(fakeCtx{}, cmosAddrPort, []byte{0x80}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if b.nmiEnabled {
		t.Fatalf("expected NMI disabled when high bit set")
	}
	if err := b.WriteIOPort(fakeCtx{}, cmosAddrPort, []byte{0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !b.nmiEnabled {
		t.Fatalf("expected NMI enabled when high bit clear")
	}
}

func TestSysCtrlAWriteNotSupported(t *testing.T) {
	b := New(pit.New())
	err := b.WriteIOPort(fakeCtx{}, sysCtrlAPort, []byte{0x01})
	if !hv.Is(err, hv.KindNotSupported) {
		t.Fatalf("expected NotSupported, got %v", err)
	}
}

func TestPortBReflectsWritableBitsOnly(t *testing.T) {
	b := New(pit.New())
	if err := b.WriteIOPort(fakeCtx{}, sysCtrlBPort, []byte{0x05}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var buf [1]byte
	if err := b.ReadIOPort(fakeCtx{}, sysCtrlBPort, buf[:]); err != nil {
		t.Fatalf("read: %v", err)
	}
	if buf[0]&0x0f != 0x05 {
		t.Fatalf("expected low nibble 0x05, got 0x%x", buf[0])
	}
}
