package memory

import (
	"encoding/binary"
	"fmt"

	"github.com/quietvm/hvcore/internal/hv"
)

const (
	peBitPresent = 1 << 0
	peAddrMask   = 0x000f_ffff_ffff_f000
)

// WalkGuestPageTable performs a software walk of the guest's 4-level
// long-mode page tables (guest CR3 plus the virtual address) and returns
// the guest-physical address that guest-virtual address maps to (the leaf
// entry's frame plus the page offset), per §4.F's
// "fetch the faulting instruction bytes via a software walk of the guest
// page tables (§4.A + guest-CR3)". hostMem is the flat host backing store
// GuestPhysMemorySet's translations index into.
func (s *GuestPhysMemorySet) WalkGuestPageTable(hostMem []byte, cr3, gva uint64) (uint64, error) {
	pml4Index := (gva >> 39) & 0x1ff
	pdptIndex := (gva >> 30) & 0x1ff
	pdIndex := (gva >> 21) & 0x1ff
	ptIndex := (gva >> 12) & 0x1ff
	pageOffset := gva & 0xfff

	pml4Base := cr3 & peAddrMask
	pdptBase, err := s.readTableEntry(hostMem, pml4Base, pml4Index)
	if err != nil {
		return 0, err
	}
	pdBase, err := s.readTableEntry(hostMem, pdptBase&peAddrMask, pdptIndex)
	if err != nil {
		return 0, err
	}
	// A present PDPT entry with the page-size bit (bit 7) set is a 1 GiB
	// leaf, and a present PD entry with it set is a 2 MiB leaf; this core
	// only emulates guests that map their MMIO windows with 4 KiB pages,
	// so both cases are rejected explicitly rather than silently
	// mis-decoded.
	if pdBase&(1<<7) != 0 {
		return 0, hv.DecodeError("memory.walk", fmt.Errorf("1GiB guest pages are not supported"))
	}
	ptBase, err := s.readTableEntry(hostMem, pdBase&peAddrMask, pdIndex)
	if err != nil {
		return 0, err
	}
	if ptBase&(1<<7) != 0 {
		return 0, hv.DecodeError("memory.walk", fmt.Errorf("2MiB guest pages are not supported"))
	}
	leaf, err := s.readTableEntry(hostMem, ptBase&peAddrMask, ptIndex)
	if err != nil {
		return 0, err
	}
	return (leaf & peAddrMask) + pageOffset, nil
}

func (s *GuestPhysMemorySet) readTableEntry(hostMem []byte, tableGpa uint64, index uint64) (uint64, error) {
	entryGpa := tableGpa + index*8
	var raw [8]byte
	if err := s.ReadGuest(hostMem, entryGpa, raw[:]); err != nil {
		return 0, hv.DecodeError("memory.walk", fmt.Errorf("reading page-table entry at gpa 0x%x: %w", entryGpa, err))
	}
	entry := binary.LittleEndian.Uint64(raw[:])
	if entry&peBitPresent == 0 {
		return 0, hv.DecodeError("memory.walk", fmt.Errorf("page-table entry at gpa 0x%x not present", entryGpa))
	}
	return entry, nil
}
