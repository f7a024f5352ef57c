// Package virtio builds the virtio-net device-specific config block that
// sits behind a pci.VirtioPCITransport's device-config MMIO region, per
// the virtio 1.0 network device layout: a MAC address, a link-status
// field, the negotiated virtqueue-pair count, and an MTU. This core does
// not implement the virtqueue descriptor/packet-ring path itself (no
// guest-visible NIC ships with this hypervisor core); this package exists
// so the config block a guest's virtio-net driver would read during
// feature negotiation is at least byte-correct, and so the transport's
// device-config region has a concrete occupant to exercise in tests.
package virtio

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/quietvm/hvcore/internal/hv"
	"github.com/quietvm/hvcore/internal/pci"
)

// Size is the byte length of the virtio-net device-specific config block
// this package models: a 6-byte MAC, plus three little-endian uint16
// fields (status, max virtqueue pairs, MTU).
const Size = 6 + 2 + 2 + 2

const (
	statusOffset  = 6
	vqPairsOffset = 8
	mtuOffset     = 10

	// LinkUp is VIRTIO_NET_S_LINK_UP, the one status bit this core sets.
	LinkUp uint16 = 1
)

// deviceConfigRegionIndex is VirtioPCITransport.MMIORegions()'s fixed
// ordering (common, notify, ISR, device) — see internal/pci/virtiopci.go.
const deviceConfigRegionIndex = 3

// Config is the virtio-net device-specific config block.
type Config struct {
	MAC               net.HardwareAddr
	Status            uint16
	MaxVirtqueuePairs uint16
	MTU               uint16
}

// New returns a Config for a single-queue-pair NIC with the given MAC,
// link state, and MTU. mac must be 6 bytes (virtio-net has no provision
// for any other hardware address length).
func New(mac net.HardwareAddr, linkUp bool, mtu uint16) (*Config, error) {
	if len(mac) != 6 {
		return nil, hv.InvalidParam("virtio.netconfig.new", fmt.Errorf("MAC address must be 6 bytes, got %d", len(mac)))
	}
	status := uint16(0)
	if linkUp {
		status = LinkUp
	}
	return &Config{MAC: mac, Status: status, MaxVirtqueuePairs: 1, MTU: mtu}, nil
}

// Encode serializes c into the Size-byte wire layout virtio-net defines.
func (c *Config) Encode() []byte {
	buf := make([]byte, Size)
	copy(buf[:6], c.MAC)
	binary.LittleEndian.PutUint16(buf[statusOffset:], c.Status)
	binary.LittleEndian.PutUint16(buf[vqPairsOffset:], c.MaxVirtqueuePairs)
	binary.LittleEndian.PutUint16(buf[mtuOffset:], c.MTU)
	return buf
}

// Decode parses a Size-byte block back into a Config, the inverse of
// Encode — used by tests to confirm a round trip through a transport's
// device-config MMIO region preserves every field.
func Decode(data []byte) (*Config, error) {
	if len(data) != Size {
		return nil, hv.InvalidParam("virtio.netconfig.decode", fmt.Errorf("expected %d bytes, got %d", Size, len(data)))
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, data[:6])
	return &Config{
		MAC:               mac,
		Status:            binary.LittleEndian.Uint16(data[statusOffset:]),
		MaxVirtqueuePairs: binary.LittleEndian.Uint16(data[vqPairsOffset:]),
		MTU:               binary.LittleEndian.Uint16(data[mtuOffset:]),
	}, nil
}

// installCtx satisfies hv.ExitContext for the host-initiated MMIO writes
// Install/Read perform; there is no guest vCPU behind them.
type installCtx struct{}

func (installCtx) VCpuID() int { return -1 }

// Install writes c's encoded form into t's device-config region, as if
// the guest's virtio-net driver had just finished feature negotiation
// and the device were populating its config block for the first read.
func (c *Config) Install(t *pci.VirtioPCITransport) error {
	region := t.MMIORegions()[deviceConfigRegionIndex]
	if uint64(Size) > region.Size {
		return hv.InvalidParam("virtio.netconfig.install", fmt.Errorf("device-config region is %d bytes, need %d", region.Size, Size))
	}
	return t.WriteMMIO(installCtx{}, region.Address, c.Encode())
}

// Read reads back t's device-config region's first Size bytes.
func Read(t *pci.VirtioPCITransport) ([]byte, error) {
	region := t.MMIORegions()[deviceConfigRegionIndex]
	buf := make([]byte, Size)
	if err := t.ReadMMIO(installCtx{}, region.Address, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
