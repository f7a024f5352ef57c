package pci

import (
	"encoding/binary"
	"sync"

	"github.com/quietvm/hvcore/internal/hv"
)

const (
	msixEntrySize      = 16
	msixVectorCtrlMask = 1 << 0

	msixOffAddrLow  = 0
	msixOffAddrHigh = 4
	msixOffData     = 8
	msixOffVecCtrl  = 12
)

// MSISignaler is the external collaborator that actually delivers an MSI
// interrupt, mirroring the teacher's msiCapableVM narrow interface in
// internal/devices/virtio/pci.go.
type MSISignaler interface {
	SignalMSI(addr uint64, data uint32, flags uint32) error
}

// MSIXTable is a BAR-backed MSI-X vector table plus pending-bit array,
// per §4.D. Grounded on internal/devices/virtio/pci.go's
// trySignalMSIX/setMSIXPendingBit/clearMSIXPendingBit/flushMSIXPending
// family, reworked as a standalone device instead of a VirtioPCIDevice
// method set so it can be reused by any MSI-X-capable function.
type MSIXTable struct {
	mu sync.Mutex

	region hv.MMIORegion

	entries []msixEntry
	pending []uint64 // ceil(N/64) words

	enabled       bool
	functionMask  bool

	vm MSISignaler
}

type msixEntry struct {
	addrLow  uint32
	addrHigh uint32
	data     uint32
	vecCtrl  uint32
}

func (e *msixEntry) masked() bool { return e.vecCtrl&msixVectorCtrlMask != 0 }
func (e *msixEntry) address() uint64 {
	return uint64(e.addrLow) | uint64(e.addrHigh)<<32
}

// NewMSIXTable allocates an N-vector table at the given MMIO base; every
// vector starts masked, per §4.D.
func NewMSIXTable(base uint64, n int, vm MSISignaler) *MSIXTable {
	pbaWords := (n + 63) / 64
	if pbaWords == 0 {
		pbaWords = 1
	}
	tableBytes := uint64(n * msixEntrySize)
	pbaOffset := (tableBytes + 7) &^ 7
	size := pbaOffset + uint64(pbaWords*8)
	t := &MSIXTable{
		region:  hv.MMIORegion{Address: base, Size: size},
		entries: make([]msixEntry, n),
		pending: make([]uint64, pbaWords),
		vm:      vm,
	}
	for i := range t.entries {
		t.entries[i].vecCtrl = msixVectorCtrlMask
	}
	return t
}

func (t *MSIXTable) Init() error { return nil }

func (t *MSIXTable) MMIORegions() []hv.MMIORegion { return []hv.MMIORegion{t.region} }

func (t *MSIXTable) tableBytes() int { return len(t.entries) * msixEntrySize }

func (t *MSIXTable) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	off := int(addr - t.region.Address)
	var buf [8]byte
	if off < t.tableBytes() {
		idx := off / msixEntrySize
		e := &t.entries[idx]
		var word uint32
		switch off % msixEntrySize {
		case msixOffAddrLow:
			word = e.addrLow
		case msixOffAddrHigh:
			word = e.addrHigh
		case msixOffData:
			word = e.data
		case msixOffVecCtrl:
			word = e.vecCtrl
		}
		binary.LittleEndian.PutUint64(buf[:], uint64(word))
	} else {
		pbaIdx := (off - t.tableBytes()) / 8
		if pbaIdx < len(t.pending) {
			binary.LittleEndian.PutUint64(buf[:], t.pending[pbaIdx])
		}
	}
	copy(data, buf[:len(data)])
	return nil
}

func (t *MSIXTable) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	t.mu.Lock()
	off := int(addr - t.region.Address)
	if off >= t.tableBytes() {
		// the PBA is read-only from the guest's perspective.
		t.mu.Unlock()
		return nil
	}
	idx := off / msixEntrySize
	e := &t.entries[idx]
	wasMasked := e.masked()
	var word uint32
	for i := 0; i < len(data) && i < 4; i++ {
		word |= uint32(data[i]) << (8 * i)
	}
	switch off % msixEntrySize {
	case msixOffAddrLow:
		e.addrLow = word
	case msixOffAddrHigh:
		e.addrHigh = word
	case msixOffData:
		e.data = word
	case msixOffVecCtrl:
		e.vecCtrl = word
	}
	vector := uint16(idx)
	nowUnmasked := wasMasked && !e.masked()
	pendingBit := t.pendingSetLocked(vector)
	t.mu.Unlock()

	if nowUnmasked && pendingBit {
		t.Notify(vector)
	}
	return nil
}

// Notify implements §4.D's notify(v): trigger immediately if enabled and
// unmasked, else set the pending bit.
func (t *MSIXTable) Notify(vector uint16) {
	t.mu.Lock()
	if int(vector) >= len(t.entries) {
		t.mu.Unlock()
		return
	}
	e := &t.entries[vector]
	if !t.enabled || t.functionMask || e.masked() {
		t.setPendingLocked(vector)
		t.mu.Unlock()
		return
	}
	addr, data, vm := e.address(), e.data, t.vm
	t.clearPendingLocked(vector)
	t.mu.Unlock()

	if vm != nil {
		_ = vm.SignalMSI(addr, data, 0)
	}
}

// SetEnabled updates the device-enabled/function-mask pair and flushes
// any pending, now-unmasked vectors, per §4.D's transition rule.
func (t *MSIXTable) SetEnabled(enabled, functionMasked bool) {
	t.mu.Lock()
	wasLive := t.enabled && !t.functionMask
	t.enabled = enabled
	t.functionMask = functionMasked
	nowLive := t.enabled && !t.functionMask
	var toFlush []uint16
	if !wasLive && nowLive {
		for v := range t.entries {
			if !t.entries[v].masked() && t.pendingSetLocked(uint16(v)) {
				toFlush = append(toFlush, uint16(v))
			}
		}
	}
	t.mu.Unlock()
	for _, v := range toFlush {
		t.Notify(v)
	}
}

func (t *MSIXTable) pendingSetLocked(v uint16) bool {
	idx := int(v) / 64
	if idx >= len(t.pending) {
		return false
	}
	return t.pending[idx]&(1<<(uint(v)%64)) != 0
}

func (t *MSIXTable) setPendingLocked(v uint16) {
	idx := int(v) / 64
	if idx >= len(t.pending) {
		return
	}
	t.pending[idx] |= 1 << (uint(v) % 64)
}

func (t *MSIXTable) clearPendingLocked(v uint16) {
	idx := int(v) / 64
	if idx >= len(t.pending) {
		return
	}
	t.pending[idx] &^= 1 << (uint(v) % 64)
}

var _ hv.MMIODevice = (*MSIXTable)(nil)
