// Package memory implements component A: the guest-physical memory set
// layered over a nested (EPT) page table, plus the guest page-table walk
// the exit dispatcher needs to fetch a faulting instruction's bytes on an
// EPT violation (§4.F).
//
// The region bookkeeping (non-overlap, alignment) is
// adapted from the teacher's internal/hv/address_space.go. The nested
// page table and the guest-page-table walk have no corpus analog — all
// three supported backends in the teacher (KVM, HVF, WHP) delegate stage-2
// translation and fault decoding to the host kernel or hypervisor
// framework — so PageTable and WalkGuestPageTable are authored fresh, styled on
// address_space.go's mutex-guarded bookkeeping.
package memory

import (
	"fmt"

	"github.com/quietvm/hvcore/internal/hv"
)

const PageSize = 4096

// Flags describes the access permissions of a GuestMemoryRegion.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
	FlagExecute
	FlagDevice
)

// GuestMemoryRegion is an immutable (guest-physical, host-physical, size)
// triple with access flags. Per §3, both bases and the size must be page
// aligned.
type GuestMemoryRegion struct {
	GuestBase uint64
	HostBase  uint64
	Size      uint64
	Flags     Flags
}

func (r GuestMemoryRegion) end() uint64 { return r.GuestBase + r.Size }

func alignedToPage(v uint64) bool { return v%PageSize == 0 }

func validateRegion(r GuestMemoryRegion) error {
	if !alignedToPage(r.GuestBase) || !alignedToPage(r.HostBase) || !alignedToPage(r.Size) {
		return hv.InvalidParam("memory.map", fmt.Errorf(
			"region base/size not page aligned: gpa=0x%x hpa=0x%x size=0x%x", r.GuestBase, r.HostBase, r.Size))
	}
	return nil
}
