//go:build !linux

package vm

// allocateGuestRAM falls back to a plain heap allocation on non-Linux
// hosts, where this core has no mmap-backed backend (mirrors the
// teacher's own per-OS split between its KVM, HVF, and WHP backends:
// only the Linux one is grounded on unix.Mmap).
func allocateGuestRAM(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

// freeGuestRAM is a no-op on non-Linux hosts; the GC reclaims the slice.
func freeGuestRAM(mem []byte) error { return nil }
