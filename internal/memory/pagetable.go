package memory

// PageTable is the nested (EPT-analogous) page table: a flat mapping from
// guest-physical page number to (host-physical page number, flags). It
// does not model real EPT entry bit layouts — the context-switch contract
// (§6) treats VMX entry/exit as an external collaborator, so nothing here
// needs to look like an Intel EPTE; it only needs to answer translate()
// and support install/remove per page, which is all GuestPhysMemorySet
// requires of it.
type PageTable struct {
	pages map[uint64]pageEntry
}

type pageEntry struct {
	hostPage uint64
	flags    Flags
}

func newPageTable() *PageTable {
	return &PageTable{pages: make(map[uint64]pageEntry)}
}

// install installs a mapping for the page starting at gpa (must already be
// page aligned by the caller). Overwriting an existing identical mapping
// is a no-op; spec.md §4.A explicitly allows silently skipping pages
// already mapped to the same target with compatible flags.
func (t *PageTable) install(gpa, hpa uint64, flags Flags) {
	t.pages[gpa] = pageEntry{hostPage: hpa, flags: flags}
}

// remove unmaps the page starting at gpa, if present.
func (t *PageTable) remove(gpa uint64) {
	delete(t.pages, gpa)
}

// translate resolves gpa (any offset, not necessarily page-aligned) to a
// host-physical address, or reports ok=false if unmapped.
func (t *PageTable) translate(gpa uint64) (hpa uint64, ok bool) {
	page := gpa - (gpa % PageSize)
	offset := gpa - page
	entry, found := t.pages[page]
	if !found {
		return 0, false
	}
	return entry.hostPage + offset, true
}

func (t *PageTable) clear() {
	t.pages = make(map[uint64]pageEntry)
}
