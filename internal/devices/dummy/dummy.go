// Package dummy implements the inert port/MSR stand-ins §4.E's per-vCPU
// registry lists alongside the real devices: FPU, VGA, DMA, and PS/2
// ports, and CPU-model-specific MSRs that a guest may probe but this
// core never backs with real behavior. Grounded on the teacher's
// internal/devices/amd64/chipset.PM block — a register range that reads
// back fixed/zero values and accepts writes without effect, logged once
// per distinct access rather than per call to keep trace noise down.
package dummy

import (
	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/hv"
)

// Port is an inert hv.PortIODevice: every read returns zero, every write
// is accepted and discarded.
type Port struct {
	name   string
	ports  []uint16
	dbg    debug.Debug
	warned map[uint16]bool
}

// NewPort returns a dummy covering exactly the given ports, identified by
// name for tracing.
func NewPort(name string, ports ...uint16) *Port {
	return &Port{name: name, ports: ports, dbg: debug.WithSource("dummy." + name), warned: make(map[uint16]bool)}
}

func (p *Port) Init() error       { return nil }
func (p *Port) IOPorts() []uint16 { return p.ports }

func (p *Port) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.warnOnce(port)
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (p *Port) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.warnOnce(port)
	return nil
}

func (p *Port) warnOnce(port uint16) {
	if p.warned[port] {
		return
	}
	p.warned[port] = true
	p.dbg.Writef("unbacked port 0x%04x accessed, returning inert value", port)
}

var _ hv.PortIODevice = (*Port)(nil)

// MSR is an inert hv.MSRDevice covering one or more MSR ranges: reads
// return zero, writes are accepted and discarded.
type MSR struct {
	name   string
	ranges []hv.MSRRange
	dbg    debug.Debug
	warned map[uint32]bool
}

// NewMSR returns a dummy covering the given MSR ranges.
func NewMSR(name string, ranges ...hv.MSRRange) *MSR {
	return &MSR{name: name, ranges: ranges, dbg: debug.WithSource("dummy." + name), warned: make(map[uint32]bool)}
}

func (m *MSR) Init() error              { return nil }
func (m *MSR) MSRRanges() []hv.MSRRange { return m.ranges }

func (m *MSR) ReadMSR(ctx hv.ExitContext, msr uint32) (uint64, error) {
	m.warnOnce(msr)
	return 0, nil
}

func (m *MSR) WriteMSR(ctx hv.ExitContext, msr uint32, value uint64) error {
	m.warnOnce(msr)
	return nil
}

func (m *MSR) warnOnce(msr uint32) {
	if m.warned[msr] {
		return
	}
	m.warned[msr] = true
	m.dbg.Writef("unbacked MSR 0x%x accessed, returning inert value", msr)
}

var _ hv.MSRDevice = (*MSR)(nil)
