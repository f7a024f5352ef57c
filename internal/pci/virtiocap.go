package pci

import "encoding/binary"

// Capability-header layout shared by every PCI capability: vendor-specific
// ID 0x09, next pointer, length, then the virtio cfg-type byte and the
// (bar, offset, length) triple. Grounded on
// internal/devices/virtio/pci.go's initVirtioCap.
const (
	virtioVendorCapID = 0x09
	virtioCapLen      = 16
	virtioCfgDataLen  = 20 // CfgAccess adds a 4-byte pci_cfg_data window.

	capabilitiesPointerOffset = 0x34
	statusCapabilitiesList    = 1 << 4
)

// InstallVirtioCapabilities lays out the five PCI capabilities
// spec.md §4.D requires (common/notify/ISR/device, plus the CfgAccess
// capability the teacher's transport omits) in cs's capability list,
// starting at capStart, each naming the BAR/offset/length the transport
// exposes that region at.
func InstallVirtioCapabilities(cs *ConfigSpace, capStart uint16, commonBAR, notifyBAR, isrBAR, deviceBAR, cfgBAR uint8, commonOff, notifyOff, isrOff, deviceOff uint32, commonLen, notifyLen, isrLen, deviceLen uint32, notifyOffMultiplier uint32) {
	// The notify capability carries a 4-byte notify_off_multiplier after
	// the common header, so every capability after it starts 4 bytes later.
	notifyCapLen := uint16(virtioCapLen + 4)
	offsets := []uint16{
		capStart,
		capStart + virtioCapLen,
		capStart + virtioCapLen + notifyCapLen,
		capStart + 2*virtioCapLen + notifyCapLen,
		capStart + 3*virtioCapLen + notifyCapLen,
	}
	writeCap := func(at uint16, next uint8, cfgType uint8, bar uint8, off, length uint32, extra []byte) {
		buf := make([]byte, virtioCapLen+len(extra))
		buf[0] = virtioVendorCapID
		buf[1] = next
		buf[2] = byte(len(buf))
		buf[3] = cfgType
		buf[4] = bar
		binary.LittleEndian.PutUint32(buf[8:12], off)
		binary.LittleEndian.PutUint32(buf[12:16], length)
		copy(buf[16:], extra)
		cs.SetField(int(at), buf)
	}

	notifyExtra := make([]byte, 4)
	binary.LittleEndian.PutUint32(notifyExtra, notifyOffMultiplier)

	writeCap(offsets[0], uint8(offsets[1]), virtioCapCommon, commonBAR, commonOff, commonLen, nil)
	writeCap(offsets[1], uint8(offsets[2]), virtioCapNotify, notifyBAR, notifyOff, notifyLen, notifyExtra)
	writeCap(offsets[2], uint8(offsets[3]), virtioCapISR, isrBAR, isrOff, isrLen, nil)
	writeCap(offsets[3], uint8(offsets[4]), virtioCapDevice, deviceBAR, deviceOff, deviceLen, nil)
	writeCap(offsets[4], 0, virtioCapCfg, cfgBAR, 0, 4, make([]byte, virtioCfgDataLen-virtioCapLen))

	cs.SetField(capabilitiesPointerOffset, []byte{byte(offsets[0])})
	statusLow := cs.Read(0x06, 1) | statusCapabilitiesList
	cs.SetField(0x06, []byte{byte(statusLow)})
}
