package virtio

import (
	"bytes"
	"net"
	"testing"

	"github.com/miekg/dns"
	"golang.org/x/net/ipv4"

	"github.com/quietvm/hvcore/internal/pci"
)

func TestNetConfigInstallRoundTripsDeviceBlock(t *testing.T) {
	mac := net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	cfg, err := New(mac, true, 1500)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	transport := pci.NewVirtioPCITransport(0x1000_0000, 1, Size, nil)
	if err := cfg.Install(transport); err != nil {
		t.Fatalf("Install: %v", err)
	}

	got, err := Read(transport)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if want := cfg.Encode(); !bytes.Equal(got, want) {
		t.Fatalf("device-config block mismatch: got %x want %x", got, want)
	}

	back, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !bytes.Equal(back.MAC, mac) || back.Status != LinkUp || back.MTU != 1500 {
		t.Fatalf("Decode mismatch: %+v", back)
	}
}

func TestNewRejectsShortMAC(t *testing.T) {
	if _, err := New(net.HardwareAddr{1, 2, 3}, true, 1500); err == nil {
		t.Fatalf("expected error for a 3-byte MAC")
	}
}

// TestNetConfigMTUMatchesSyntheticDNSQueryOverLoopback builds a real DNS
// query with the library this package's device-config block is modeled
// after (miekg/dns's fixed-layout wire records), sends it over an actual
// loopback UDP4 socket through golang.org/x/net/ipv4's PacketConn wrapper
// (the TTL-stamping idiom used for control-message-aware sockets), and
// then installs the exact wire size it observed as the device's MTU
// field — tying the virtio-net config block to a real packet round trip
// rather than a synthetic byte count.
func TestNetConfigMTUMatchesSyntheticDNSQueryOverLoopback(t *testing.T) {
	query := new(dns.Msg)
	query.SetQuestion(dns.Fqdn("guest.local."), dns.TypeA)
	packed, err := query.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}

	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetTTL(64); err != nil {
		t.Fatalf("SetTTL: %v", err)
	}

	dst := conn.LocalAddr().(*net.UDPAddr)
	if _, err := pc.WriteTo(packed, nil, dst); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	buf := make([]byte, 512)
	n, _, _, err := pc.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	received := buf[:n]

	var reply dns.Msg
	if err := reply.Unpack(received); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(reply.Question) != 1 || reply.Question[0].Name != dns.Fqdn("guest.local.") {
		t.Fatalf("unexpected question after loopback round trip: %+v", reply.Question)
	}

	cfg, err := New(net.HardwareAddr{0x52, 0x54, 0x00, 0x00, 0x00, 0x01}, true, uint16(n))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	transport := pci.NewVirtioPCITransport(0x2000_0000, 1, Size, nil)
	if err := cfg.Install(transport); err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, err := Read(transport)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	roundTripped, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if int(roundTripped.MTU) != n {
		t.Fatalf("expected MTU %d (synthetic DNS query size over loopback), got %d", n, roundTripped.MTU)
	}
}
