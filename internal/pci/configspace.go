package pci

import "sync"

const (
	offsetVendorID = 0x00
	offsetCommand  = 0x04
	offsetBAR0     = 0x10
	barCount       = 6
	barStride      = 4
	offsetExpROM   = 0x30

	configSpaceSize = 256
)

// MSIXNotifier is the narrow interface the config-space owner notifies
// of every configuration write, with its offset and size; the notifier
// decides whether the write touched its capability region.
type MSIXNotifier interface {
	OnConfigWrite(offset, size int)
}

// ConfigSpace is one PCI function's 256-byte configuration region,
// modeled as the fixed config/write-mask/write-clear-mask byte arrays
// spec.md §4.D specifies directly, rather than through the teacher's
// ConfigSpace-interface-per-endpoint indirection.
type ConfigSpace struct {
	mu         sync.Mutex
	config     [configSpaceSize]byte
	writeMask  [configSpaceSize]byte
	clearMask  [configSpaceSize]byte
	bars       [barCount]*BAR
	msix       MSIXNotifier
	onBARWrite func()
}

// NewConfigSpace returns an empty, fully-writable config space (every
// byte's write-mask is 0xff, clear-mask 0x00) for callers to narrow down.
func NewConfigSpace() *ConfigSpace {
	cs := &ConfigSpace{}
	for i := range cs.writeMask {
		cs.writeMask[i] = 0xff
	}
	return cs
}

// SetReadOnly clears the write-mask for [start,end), making those bytes
// immutable from guest writes (used for vendor/device/class/revision IDs).
func (cs *ConfigSpace) SetReadOnly(start, end int) {
	for i := start; i < end; i++ {
		cs.writeMask[i] = 0
	}
}

// SetBAR installs bar at index. Only the address bits are writable — the
// kind/prefetch low bits are seeded once here and never appear in the
// write-mask, so they survive every future write untouched, which is
// what makes a write of all-ones probe the size correctly (§4.D,
// invariant 7).
func (cs *ConfigSpace) SetBAR(index int, bar *BAR) {
	cs.bars[index] = bar
	off := offsetBAR0 + index*barStride
	mask := bar.WriteMask()
	cs.writeMask[off] = byte(mask)
	cs.writeMask[off+1] = byte(mask >> 8)
	cs.writeMask[off+2] = byte(mask >> 16)
	cs.writeMask[off+3] = byte(mask >> 24)
	cs.writeRaw32(off, uint32(bar.Value)|uint32(bar.lowBits()))
}

// SetMSIXNotifier wires the MSI-X device that should be told about
// capability-region writes.
func (cs *ConfigSpace) SetMSIXNotifier(n MSIXNotifier) { cs.msix = n }

// OnBARReprogram registers a callback invoked after a BAR (or COMMAND,
// or the expansion-ROM base) write takes effect, per §4.D's "BAR mappings
// are re-evaluated."
func (cs *ConfigSpace) OnBARReprogram(f func()) { cs.onBARWrite = f }

func (cs *ConfigSpace) writeRaw32(off int, v uint32) {
	cs.config[off] = byte(v)
	cs.config[off+1] = byte(v >> 8)
	cs.config[off+2] = byte(v >> 16)
	cs.config[off+3] = byte(v >> 24)
}

func (cs *ConfigSpace) readRaw32(off int) uint32 {
	return uint32(cs.config[off]) | uint32(cs.config[off+1])<<8 |
		uint32(cs.config[off+2])<<16 | uint32(cs.config[off+3])<<24
}

// SetField writes raw bytes directly into config space at init time,
// bypassing the write-mask (used to seed vendor/device/class IDs).
func (cs *ConfigSpace) SetField(offset int, data []byte) {
	copy(cs.config[offset:], data)
}

// Read returns size bytes (1, 2, or 4) at offset.
func (cs *ConfigSpace) Read(offset int, size int) uint32 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var v uint32
	for i := 0; i < size; i++ {
		if offset+i >= configSpaceSize {
			break
		}
		v |= uint32(cs.config[offset+i]) << (8 * i)
	}
	return v
}

func barIndexForOffset(offset, size int) (int, bool) {
	if size != 4 || offset < offsetBAR0 || offset >= offsetBAR0+barCount*barStride {
		return 0, false
	}
	if (offset-offsetBAR0)%barStride != 0 {
		return 0, false
	}
	return (offset - offsetBAR0) / barStride, true
}

// Write applies `new = (old &^ wmask) | (data & wmask); new &= ^(data &
// clearmask)` byte-by-byte, per §4.D, then re-evaluates BARs/COMMAND/
// expansion-ROM writes and passes the write's offset and size to the
// MSI-X notifier, if one is set.
func (cs *ConfigSpace) Write(offset int, size int, value uint32) {
	cs.mu.Lock()
	touchedBARCommandOrROM := false
	for i := 0; i < size; i++ {
		off := offset + i
		if off >= configSpaceSize {
			break
		}
		data := byte(value >> (8 * i))
		old := cs.config[off]
		wmask := cs.writeMask[off]
		cmask := cs.clearMask[off]
		nv := (old &^ wmask) | (data & wmask)
		nv &^= data & cmask
		cs.config[off] = nv
		if off >= offsetCommand && off < offsetCommand+2 {
			touchedBARCommandOrROM = true
		}
		if off >= offsetExpROM && off < offsetExpROM+4 {
			touchedBARCommandOrROM = true
		}
	}
	if bidx, ok := barIndexForOffset(offset, size); ok && cs.bars[bidx] != nil {
		off := offsetBAR0 + bidx*barStride
		cs.bars[bidx].Value = uint64(cs.readRaw32(off))
		touchedBARCommandOrROM = true
	}
	msix := cs.msix
	onBAR := cs.onBARWrite
	cs.mu.Unlock()

	if touchedBARCommandOrROM && onBAR != nil {
		onBAR()
	}
	if msix != nil {
		msix.OnConfigWrite(offset, size)
	}
}
