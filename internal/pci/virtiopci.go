package pci

import (
	"encoding/binary"
	"sync"

	"github.com/quietvm/hvcore/internal/hv"
)

// Capability type IDs from the virtio 1.0 PCI transport, per §4.D.
// Grounded on internal/devices/virtio/pci.go's VIRTIO_PCI_CAP_* block.
const (
	virtioCapCommon = 1
	virtioCapNotify = 2
	virtioCapISR    = 3
	virtioCapDevice = 4
	virtioCapCfg    = 5 // not present in the teacher; added per §4.D.

	virtioVendorID = 0x1af4
)

// Common-config register-file offsets, per virtio 1.0 (same layout the
// teacher's VIRTIO_PCI_COMMON_* constants name).
const (
	commonDeviceFeatureSelect = 0x00
	commonDeviceFeature       = 0x04
	commonGuestFeatureSelect  = 0x08
	commonGuestFeature        = 0x0c
	commonMSIXConfig          = 0x10
	commonNumQueues           = 0x12
	commonDeviceStatus        = 0x14
	commonConfigGeneration    = 0x15
	commonQueueSelect         = 0x16
	commonQueueSize           = 0x18
	commonQueueMSIXVector     = 0x1a
	commonQueueEnable         = 0x1c
	commonQueueNotifyOff      = 0x1e
	commonQueueDescLo         = 0x20
	commonQueueDescHi         = 0x24
	commonQueueAvailLo        = 0x28
	commonQueueAvailHi        = 0x2c
	commonQueueUsedLo         = 0x30
	commonQueueUsedHi         = 0x34

	commonRegionSize = 0x38
)

type virtQueue struct {
	size       uint16
	enabled    bool
	msixVector uint16
	descLo     uint32
	descHi     uint32
	availLo    uint32
	availHi    uint32
	usedLo     uint32
	usedHi     uint32
}

// VirtioPCITransport is the common-config + notify + ISR + device-config
// MMIO shell shared by every virtio-PCI device, plus a CfgAccess
// capability that routes config-space-indirect BAR access. Grounded on
// internal/devices/virtio/pci.go's capability-offset bookkeeping
// (configureVirtioCapabilities/initVirtioCap), but restructured so the
// common-config register file lives behind the hv.MMIODevice interface
// directly instead of the teacher's monolithic VirtioPCIDevice.
type VirtioPCITransport struct {
	mu sync.Mutex

	commonRegion hv.MMIORegion
	deviceRegion hv.MMIORegion
	notifyRegion hv.MMIORegion
	isrRegion    hv.MMIORegion

	deviceFeatures [2]uint32
	guestFeatures  [2]uint32
	featureSelect  uint32 // shared select register, low word used per-access
	status         byte
	cfgGeneration  byte

	queues       []virtQueue
	queueSelect  uint16
	isrStatus    byte

	deviceConfig []byte

	msix *MSIXTable

	// CfgAccess state: the guest writes (bar, length, offset) through a
	// capability's config-space fields, then reads/writes pci_cfg_data
	// to indirectly touch the BAR at that offset.
	cfgAccessBAR    uint8
	cfgAccessLength uint32
	cfgAccessOffset uint32
	barAddrs        []uint64 // resolved BAR base addresses, indexed by BAR number
}

// NewVirtioPCITransport returns a transport with numQueues virtqueues and
// a deviceConfigSize-byte device-specific config region.
func NewVirtioPCITransport(base uint64, numQueues int, deviceConfigSize int, msix *MSIXTable) *VirtioPCITransport {
	t := &VirtioPCITransport{
		commonRegion: hv.MMIORegion{Address: base, Size: commonRegionSize},
		notifyRegion: hv.MMIORegion{Address: base + 0x1000, Size: 4},
		isrRegion:    hv.MMIORegion{Address: base + 0x2000, Size: 1},
		deviceRegion: hv.MMIORegion{Address: base + 0x3000, Size: uint64(deviceConfigSize)},
		queues:       make([]virtQueue, numQueues),
		deviceConfig: make([]byte, deviceConfigSize),
		msix:         msix,
	}
	for i := range t.queues {
		t.queues[i].msixVector = 0xffff
		t.queues[i].size = 256
	}
	return t
}

func (t *VirtioPCITransport) Init() error { return nil }

func (t *VirtioPCITransport) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{t.commonRegion, t.notifyRegion, t.isrRegion, t.deviceRegion}
}

func (t *VirtioPCITransport) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	switch {
	case addr >= t.commonRegion.Address && addr < t.commonRegion.Address+t.commonRegion.Size:
		return t.readCommon(addr-t.commonRegion.Address, data)
	case addr >= t.isrRegion.Address && addr < t.isrRegion.Address+t.isrRegion.Size:
		t.mu.Lock()
		data[0] = t.isrStatus
		t.isrStatus = 0 // reading ISR status clears it, per virtio 1.0.
		t.mu.Unlock()
		return nil
	case addr >= t.deviceRegion.Address && addr < t.deviceRegion.Address+t.deviceRegion.Size:
		off := addr - t.deviceRegion.Address
		t.mu.Lock()
		n := copy(data, t.deviceConfig[off:])
		for i := n; i < len(data); i++ {
			data[i] = 0
		}
		t.mu.Unlock()
		return nil
	case addr >= t.notifyRegion.Address && addr < t.notifyRegion.Address+t.notifyRegion.Size:
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	return hv.OutOfRange("virtio.read", nil)
}

func (t *VirtioPCITransport) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	switch {
	case addr >= t.commonRegion.Address && addr < t.commonRegion.Address+t.commonRegion.Size:
		return t.writeCommon(addr-t.commonRegion.Address, data)
	case addr >= t.isrRegion.Address && addr < t.isrRegion.Address+t.isrRegion.Size:
		return nil // ISR status is read-only from the guest's side.
	case addr >= t.deviceRegion.Address && addr < t.deviceRegion.Address+t.deviceRegion.Size:
		off := addr - t.deviceRegion.Address
		t.mu.Lock()
		copy(t.deviceConfig[off:], data)
		t.mu.Unlock()
		return nil
	case addr >= t.notifyRegion.Address && addr < t.notifyRegion.Address+t.notifyRegion.Size:
		t.mu.Lock()
		sel := t.queueSelect
		t.mu.Unlock()
		t.NotifyQueue(int(sel))
		return nil
	}
	return hv.OutOfRange("virtio.write", nil)
}

// NotifyQueue raises the ISR status bit and, if MSI-X is attached,
// signals the queue's configured vector.
func (t *VirtioPCITransport) NotifyQueue(idx int) {
	t.mu.Lock()
	if idx < 0 || idx >= len(t.queues) {
		t.mu.Unlock()
		return
	}
	t.isrStatus |= 0x1
	vector := t.queues[idx].msixVector
	msix := t.msix
	t.mu.Unlock()
	if msix != nil && vector != 0xffff {
		msix.Notify(vector)
	}
}

func (t *VirtioPCITransport) readCommon(off uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var v uint64
	switch off {
	case commonDeviceFeatureSelect:
		v = uint64(t.featureSelect)
	case commonDeviceFeature:
		v = uint64(t.deviceFeatures[t.featureSelect&1])
	case commonGuestFeatureSelect:
		v = uint64(t.featureSelect)
	case commonGuestFeature:
		v = uint64(t.guestFeatures[t.featureSelect&1])
	case commonMSIXConfig:
		v = 0xffff
	case commonNumQueues:
		v = uint64(len(t.queues))
	case commonDeviceStatus:
		v = uint64(t.status)
	case commonConfigGeneration:
		v = uint64(t.cfgGeneration)
	case commonQueueSelect:
		v = uint64(t.queueSelect)
	default:
		if int(t.queueSelect) < len(t.queues) {
			q := &t.queues[t.queueSelect]
			switch off {
			case commonQueueSize:
				v = uint64(q.size)
			case commonQueueMSIXVector:
				v = uint64(q.msixVector)
			case commonQueueEnable:
				if q.enabled {
					v = 1
				}
			case commonQueueNotifyOff:
				v = uint64(t.queueSelect)
			case commonQueueDescLo:
				v = uint64(q.descLo)
			case commonQueueDescHi:
				v = uint64(q.descHi)
			case commonQueueAvailLo:
				v = uint64(q.availLo)
			case commonQueueAvailHi:
				v = uint64(q.availHi)
			case commonQueueUsedLo:
				v = uint64(q.usedLo)
			case commonQueueUsedHi:
				v = uint64(q.usedHi)
			default:
				v = 0 // unknown offsets return 0 on read, per §4.D.
			}
		}
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	copy(data, buf[:len(data)])
	return nil
}

func (t *VirtioPCITransport) writeCommon(off uint64, data []byte) error {
	var v uint64
	for i, b := range data {
		v |= uint64(b) << (8 * i)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch off {
	case commonDeviceFeatureSelect, commonGuestFeatureSelect:
		t.featureSelect = uint32(v)
	case commonGuestFeature:
		t.guestFeatures[t.featureSelect&1] = uint32(v)
	case commonDeviceStatus:
		t.status = byte(v)
		if t.status == 0 {
			t.resetLocked()
		}
	case commonQueueSelect:
		t.queueSelect = uint16(v)
	default:
		if int(t.queueSelect) >= len(t.queues) {
			return hv.InvalidParam("virtio.write.common", nil)
		}
		q := &t.queues[t.queueSelect]
		switch off {
		case commonQueueSize:
			q.size = uint16(v)
		case commonQueueMSIXVector:
			q.msixVector = uint16(v)
		case commonQueueEnable:
			q.enabled = v != 0
		case commonQueueDescLo:
			q.descLo = uint32(v)
		case commonQueueDescHi:
			q.descHi = uint32(v)
		case commonQueueAvailLo:
			q.availLo = uint32(v)
		case commonQueueAvailHi:
			q.availHi = uint32(v)
		case commonQueueUsedLo:
			q.usedLo = uint32(v)
		case commonQueueUsedHi:
			q.usedHi = uint32(v)
		case commonDeviceFeature, commonMSIXConfig, commonConfigGeneration, commonQueueNotifyOff:
			return hv.InvalidParam("virtio.write.common", nil)
		default:
			return hv.InvalidParam("virtio.write.common", nil)
		}
	}
	return nil
}

func (t *VirtioPCITransport) resetLocked() {
	for i := range t.queues {
		t.queues[i] = virtQueue{msixVector: 0xffff, size: t.queues[i].size}
	}
	t.isrStatus = 0
	t.cfgGeneration++
}

// ConfigureCfgAccess records the BAR/length/offset triple the guest
// selected via the CfgAccess capability's config-space fields, per §4.D.
func (t *VirtioPCITransport) ConfigureCfgAccess(bar uint8, length, offset uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfgAccessBAR = bar
	t.cfgAccessLength = length
	t.cfgAccessOffset = offset
}

// SetBARAddresses records the current live addresses of each BAR, so
// CfgData reads/writes can translate into the right MMIO target.
func (t *VirtioPCITransport) SetBARAddresses(addrs []uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.barAddrs = append([]uint64(nil), addrs...)
}

// ReadCfgData services a read of the CfgAccess capability's pci_cfg_data
// bytes by translating it into an MMIO read at (BAR base + offset).
func (t *VirtioPCITransport) ReadCfgData(data []byte) error {
	t.mu.Lock()
	bar, offset, length := t.cfgAccessBAR, t.cfgAccessOffset, t.cfgAccessLength
	var base uint64
	if int(bar) < len(t.barAddrs) {
		base = t.barAddrs[bar]
	}
	t.mu.Unlock()
	if uint32(len(data)) > length {
		return hv.InvalidParam("virtio.cfgaccess.read", nil)
	}
	return t.ReadMMIO(nil, base+uint64(offset), data)
}

// WriteCfgData mirrors ReadCfgData for writes.
func (t *VirtioPCITransport) WriteCfgData(data []byte) error {
	t.mu.Lock()
	bar, offset, length := t.cfgAccessBAR, t.cfgAccessOffset, t.cfgAccessLength
	var base uint64
	if int(bar) < len(t.barAddrs) {
		base = t.barAddrs[bar]
	}
	t.mu.Unlock()
	if uint32(len(data)) > length {
		return hv.InvalidParam("virtio.cfgaccess.write", nil)
	}
	return t.WriteMMIO(nil, base+uint64(offset), data)
}

var _ hv.MMIODevice = (*VirtioPCITransport)(nil)
