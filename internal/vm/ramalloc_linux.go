//go:build linux

package vm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocateGuestRAM reserves size bytes of anonymous, private memory for
// a VM's backing RAM, exactly as the teacher's KVM backend allocates its
// guest RAM slab in AllocateMemory (internal/hv/kvm/kvm.go): an anonymous
// mmap rather than a heap slice, so the region's address is stable and
// page-aligned for the nested page table to index into.
func allocateGuestRAM(size uint64) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("vm: mmap guest RAM: %w", err)
	}
	return mem, nil
}

// freeGuestRAM releases memory obtained from allocateGuestRAM.
func freeGuestRAM(mem []byte) error {
	if mem == nil {
		return nil
	}
	return unix.Munmap(mem)
}
