package pci

import "testing"

// TestBARProbeValue is invariant 7: after writing all-ones into a BAR
// register of size S, reading returns ~(S-1) in the relevant bits, with
// the type/prefetch low bits preserved.
func TestBARProbeValue(t *testing.T) {
	bar := &BAR{Size: 0x1000, Kind: BARKindMMIO32}
	cs := NewConfigSpace()
	cs.SetBAR(0, bar)

	cs.Write(offsetBAR0, 4, 0xffffffff)

	got := cs.Read(offsetBAR0, 4)
	want := bar.WriteMask() | bar.lowBits()
	if got != want {
		t.Fatalf("expected probe value 0x%x, got 0x%x", want, got)
	}
}

func TestBARGetAddressRespectsCommandBits(t *testing.T) {
	bar := &BAR{Size: 0x1000, Kind: BARKindMMIO32, Value: 0x40000000}
	if addr := bar.GetBARAddress(0); addr != unmappedBARAddress {
		t.Fatalf("expected unmapped with memory space disabled, got 0x%x", addr)
	}
	if addr := bar.GetBARAddress(commandMemorySpace); addr != 0x40000000 {
		t.Fatalf("expected live address, got 0x%x", addr)
	}
}

func TestBARIOKindMasksLowTwoBits(t *testing.T) {
	bar := &BAR{Size: 0x20, Kind: BARKindIO}
	cs := NewConfigSpace()
	cs.SetBAR(0, bar)
	cs.Write(offsetBAR0, 4, 0xffffffff)
	got := cs.Read(offsetBAR0, 4)
	if got&0b11 != barBitIO {
		t.Fatalf("expected IO bit set and reserved bit clear, got 0x%x", got)
	}
}
