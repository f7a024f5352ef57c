package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/quietvm/hvcore/internal/hv"
)

// GuestPhysMemorySet is the ordered mapping from guest-physical base to
// region, plus ownership of one nested page table (§3). It is mutable only
// during VM construction and teardown; after the first vCPU run starts,
// steady-state access is limited to Translate, which takes the set's own
// mutex for the lookup (§5).
type GuestPhysMemorySet struct {
	mu sync.Mutex

	regions []GuestMemoryRegion // kept sorted by GuestBase
	table   *PageTable
}

// New returns an empty GuestPhysMemorySet.
func New() *GuestPhysMemorySet {
	return &GuestPhysMemorySet{table: newPageTable()}
}

// Map installs region, failing with InvalidParam if it overlaps an
// existing region with incompatible flags or that extends beyond it, per
// §4.A. A zero-size region is a no-op success.
func (s *GuestPhysMemorySet) Map(region GuestMemoryRegion) error {
	if region.Size == 0 {
		return nil
	}
	if err := validateRegion(region); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].GuestBase >= region.GuestBase })

	// Overlap detection only needs to inspect the predecessor and the
	// successor in the ordered table (§4.A algorithm notes).
	if idx < len(s.regions) {
		succ := s.regions[idx]
		if succ.GuestBase == region.GuestBase {
			return hv.InvalidParam("memory.map", fmt.Errorf(
				"region at gpa=0x%x already present (tie-break not allowed)", region.GuestBase))
		}
		if region.end() > succ.GuestBase {
			if !compatibleOverlap(region, succ) {
				return hv.InvalidParam("memory.map", fmt.Errorf(
					"region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
					region.GuestBase, region.end()-1, succ.GuestBase, succ.end()-1))
			}
		}
	}
	if idx > 0 {
		pred := s.regions[idx-1]
		if pred.end() > region.GuestBase {
			if !compatibleOverlap(pred, region) {
				return hv.InvalidParam("memory.map", fmt.Errorf(
					"region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
					region.GuestBase, region.end()-1, pred.GuestBase, pred.end()-1))
			}
		}
	}

	s.regions = append(s.regions, GuestMemoryRegion{})
	copy(s.regions[idx+1:], s.regions[idx:])
	s.regions[idx] = region

	for page := region.GuestBase; page < region.end(); page += PageSize {
		hpa := region.HostBase + (page - region.GuestBase)
		s.table.install(page, hpa, region.Flags)
	}
	return nil
}

// compatibleOverlap reports whether two overlapping regions describe the
// same mapping from a's perspective extending into (or matching) b — the
// "same device MMIO from different perspectives" case §4.A allows.
func compatibleOverlap(a, b GuestMemoryRegion) bool {
	if a.Flags != b.Flags {
		return false
	}
	// a must fully contain b's overlapping prefix with an identical
	// guest-to-host offset, i.e. they describe the same physical pages.
	overlapStart := b.GuestBase
	if a.GuestBase > overlapStart {
		overlapStart = a.GuestBase
	}
	aOffset := a.HostBase + (overlapStart - a.GuestBase)
	bOffset := b.HostBase + (overlapStart - b.GuestBase)
	return aOffset == bOffset
}

// UnmapAll clears every page from the nested page table in one step and
// drops the region table. Also invoked by Close so memory is released deterministically
// rather than relying on GC.
func (s *GuestPhysMemorySet) UnmapAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.clear()
	s.regions = nil
}

// Close implements io.Closer by unmapping everything, matching §3's
// "cleared on drop" lifecycle note.
func (s *GuestPhysMemorySet) Close() error {
	s.UnmapAll()
	return nil
}

// Translate returns the host-physical address for gpa according to the
// nested page table, or ok=false if gpa is not mapped (spec.md's
// NotMapped).
func (s *GuestPhysMemorySet) Translate(gpa uint64) (hpa uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.translate(gpa)
}

// Regions returns a snapshot copy of the currently mapped regions, sorted
// by guest-physical base.
func (s *GuestPhysMemorySet) Regions() []GuestMemoryRegion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GuestMemoryRegion, len(s.regions))
	copy(out, s.regions)
	return out
}

// ReadGuest copies length bytes starting at gpa out of guest memory,
// translating page by page so a read spanning two non-contiguous regions
// still works. It is the building block the EPT-violation instruction
// fetch and every MMIO-adjacent "read guest memory" helper (e.g. the
// virtio descriptor reads) use.
func (s *GuestPhysMemorySet) ReadGuest(hostMem []byte, gpa uint64, out []byte) error {
	remaining := out
	addr := gpa
	for len(remaining) > 0 {
		hpa, ok := s.Translate(addr)
		if !ok {
			return hv.OutOfRange("memory.readGuest", fmt.Errorf("gpa 0x%x not mapped", addr))
		}
		chunk := PageSize - (addr % PageSize)
		if uint64(len(remaining)) < chunk {
			chunk = uint64(len(remaining))
		}
		if hpa+chunk > uint64(len(hostMem)) {
			return hv.Internal("memory.readGuest", fmt.Errorf("host backing too small for hpa=0x%x", hpa))
		}
		copy(remaining[:chunk], hostMem[hpa:hpa+chunk])
		remaining = remaining[chunk:]
		addr += chunk
	}
	return nil
}

// WriteGuest is the write-direction counterpart of ReadGuest.
func (s *GuestPhysMemorySet) WriteGuest(hostMem []byte, gpa uint64, in []byte) error {
	remaining := in
	addr := gpa
	for len(remaining) > 0 {
		hpa, ok := s.Translate(addr)
		if !ok {
			return hv.OutOfRange("memory.writeGuest", fmt.Errorf("gpa 0x%x not mapped", addr))
		}
		chunk := PageSize - (addr % PageSize)
		if uint64(len(remaining)) < chunk {
			chunk = uint64(len(remaining))
		}
		if hpa+chunk > uint64(len(hostMem)) {
			return hv.Internal("memory.writeGuest", fmt.Errorf("host backing too small for hpa=0x%x", hpa))
		}
		copy(hostMem[hpa:hpa+chunk], remaining[:chunk])
		remaining = remaining[chunk:]
		addr += chunk
	}
	return nil
}
