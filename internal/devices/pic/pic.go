// Package pic implements the 8259A-compatible master/slave PIC pair at
// base ports 0x20 (master) and 0xA0 (slave), per §4.B. It is adapted from
// the teacher's internal/devices/amd64/chipset/pic.go: same ICW1-4 state
// machine. OCW2/OCW3 commands written to base+0 are accepted and ignored,
// and the two PICs are not cascaded to each other: each tracks only its
// own initialization stage and mask. It deliberately drops two things the teacher's PIC supports that
// spec.md does not want: reads from base+0 (OCW3 poll/read-register-select)
// fail with NotSupported here instead of returning a register value, and
// there is no AcknowledgeHook — vector acknowledgement is driven by the
// exit dispatcher's external-interrupt path (component F), not by the PIC
// itself.
package pic

import (
	"sync"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/hv"
)

const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xA0
	slaveDataPort     = 0xA1

	cascadeIRQ = 2
)

type initStage int

const (
	stageUninitialized initStage = iota
	stageExpectingICW2
	stageExpectingICW3
	stageExpectingICW4
	stageOperational
)

type single struct {
	stage initStage
	icw1  byte
	icw2  byte
	icw3  byte
	icw4  byte
	mask  byte
}

// DualPIC is the master/slave pair sharing one cascade line.
type DualPIC struct {
	mu  sync.Mutex
	pic [2]single

	dbg debug.Debug
}

// New returns a freshly constructed, uninitialized DualPIC.
func New() *DualPIC {
	return &DualPIC{dbg: debug.WithSource("pic")}
}

func (p *DualPIC) Init() error { return nil }

func (p *DualPIC) IOPorts() []uint16 {
	return []uint16{masterCommandPort, masterDataPort, slaveCommandPort, slaveDataPort}
}

func indexForPort(port uint16) (picIndex int, isCommand bool) {
	switch port {
	case masterCommandPort:
		return 0, true
	case masterDataPort:
		return 0, false
	case slaveCommandPort:
		return 1, true
	case slaveDataPort:
		return 1, false
	default:
		return -1, false
	}
}

func (p *DualPIC) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	idx, isCommand := indexForPort(port)
	if idx < 0 {
		return hv.OutOfRange("pic.read", nil)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if isCommand {
		// §4.B: reads from base+0 are not supported.
		return hv.NotSupported("pic.read", nil)
	}
	data[0] = p.pic[idx].mask
	p.dbg.Writef("read mask idx=%d mask=0x%02x", idx, data[0])
	return nil
}

func (p *DualPIC) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	idx, isCommand := indexForPort(port)
	if idx < 0 {
		return hv.OutOfRange("pic.write", nil)
	}
	value := data[0]

	p.mu.Lock()
	defer p.mu.Unlock()

	pic := &p.pic[idx]
	if isCommand {
		if value&0x10 != 0 {
			// bit 4 set: this is ICW1, (re)start initialization.
			pic.icw1 = value
			pic.stage = stageExpectingICW2
			p.dbg.Writef("idx=%d ICW1=0x%02x -> expecting ICW2", idx, value)
			return nil
		}
		// OCW2/OCW3 — this core only needs to accept and ignore them;
		// EOI bookkeeping lives on the exit dispatcher's interrupt-ack
		// path, not inside the PIC state machine itself.
		p.dbg.Writef("idx=%d OCW command=0x%02x", idx, value)
		return nil
	}

	switch pic.stage {
	case stageExpectingICW2:
		pic.icw2 = value
		if pic.icw1&0x02 != 0 {
			// single (no cascade) mode: ICW3 is skipped.
			if pic.icw1&0x01 != 0 {
				pic.stage = stageExpectingICW4
			} else {
				pic.stage = stageOperational
			}
		} else {
			pic.stage = stageExpectingICW3
		}
		p.dbg.Writef("idx=%d ICW2=0x%02x -> stage=%d", idx, value, pic.stage)
	case stageExpectingICW3:
		pic.icw3 = value
		if pic.icw1&0x01 != 0 {
			pic.stage = stageExpectingICW4
		} else {
			pic.stage = stageOperational
		}
		p.dbg.Writef("idx=%d ICW3=0x%02x -> stage=%d", idx, value, pic.stage)
	case stageExpectingICW4:
		pic.icw4 = value
		pic.stage = stageOperational
		p.dbg.Writef("idx=%d ICW4=0x%02x -> operational", idx, value)
	default:
		pic.mask = value
		p.dbg.Writef("idx=%d mask=0x%02x", idx, value)
	}
	return nil
}

// Mask returns the current interrupt mask byte for the given PIC (0=master,
// 1=slave).
func (p *DualPIC) Mask(idx int) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pic[idx].mask
}

var _ hv.PortIODevice = (*DualPIC)(nil)
