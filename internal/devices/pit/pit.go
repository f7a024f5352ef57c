// Package pit implements the 8254 PIT's three channels at ports 0x40-0x43,
// per §4.B. Adapted from the teacher's internal/devices/amd64/chipset/pit.go
// (command-port field decode, access-mode latch phases) but deliberately
// simplified: spec.md wants only binary mode-0 (one-shot) fully
// implemented, with every other operating mode accepted and then treated
// as permanently not-firing (read returns 0, output reads false) — the
// teacher's pit.go instead fully implements modes 0, 2, 3 and 4. That is
// the resolution to spec.md's second open question (§9); this package
// intentionally does not carry the teacher's mode 2/3/4 deadline/toggle
// logic forward.
package pit

import (
	"sync"
	"time"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/hv"
)

const (
	channel0Port = 0x40
	channel1Port = 0x41
	channel2Port = 0x42
	commandPort  = 0x43

	// inputFrequency is the PIT's fixed input clock in Hz (§4.B formula).
	inputFrequency = 1_193_182
)

type accessMode int

const (
	accessLatchCount accessMode = iota
	accessLow
	accessHigh
	accessLowHigh
)

type operatingMode int

const (
	modeOneShot operatingMode = 0
	// modes 1-5 (and their 6/7 aliases onto 2/3) are accepted but never
	// fire, per §4.B.
)

type channel struct {
	access accessMode
	mode   operatingMode
	bcd    bool

	reload  uint16
	running bool
	armed   bool
	started time.Time

	// latch state for low/high-byte writes and reads.
	writeHighPending bool
	latchedValue     uint16
	latchPending     bool
	readHighPending  bool

	warnedNonOneShot bool
}

// Pit is the three-channel 8254 timer.
type Pit struct {
	mu        sync.Mutex
	ch        [3]channel
	channel2Gate bool
	now       func() time.Time
	dbg       debug.Debug
}

// SetChannel2Gate propagates system-control port 0x61's TIMER2_ENABLED bit
// (§4.B) to channel 2. While the gate is low, channel 2 is held stopped
// and its output reads low.
func (p *Pit) SetChannel2Gate(high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channel2Gate = high
	if !high {
		p.ch[2].running = false
		p.ch[2].armed = false
	}
}

// New returns a Pit using the real wall clock.
func New() *Pit {
	return &Pit{now: time.Now, dbg: debug.WithSource("pit"), channel2Gate: true}
}

func (p *Pit) Init() error { return nil }

func (p *Pit) IOPorts() []uint16 {
	return []uint16{channel0Port, channel1Port, channel2Port, commandPort}
}

func (p *Pit) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	value := data[0]
	switch port {
	case commandPort:
		p.writeCommandLocked(value)
	case channel0Port, channel1Port, channel2Port:
		p.writeDataLocked(channelIndex(port), value)
	default:
		return hv.OutOfRange("pit.write", nil)
	}
	return nil
}

func (p *Pit) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch port {
	case commandPort:
		data[0] = 0 // read-back of the command port is not modeled; always 0.
	case channel0Port, channel1Port, channel2Port:
		data[0] = p.readDataLocked(channelIndex(port))
	default:
		return hv.OutOfRange("pit.read", nil)
	}
	return nil
}

func channelIndex(port uint16) int { return int(port - channel0Port) }

func (p *Pit) writeCommandLocked(value byte) {
	idx := int(value>>6) & 0x3
	if idx == 3 {
		// read-back command — not modeled; ignored.
		return
	}
	access := accessMode((value >> 4) & 0x3)
	mode := operatingMode((value >> 1) & 0x7)
	bcd := value&0x1 != 0

	ch := &p.ch[idx]
	ch.access = access
	ch.mode = mode
	ch.bcd = bcd
	ch.writeHighPending = false
	ch.readHighPending = false

	if mode != modeOneShot && !ch.warnedNonOneShot {
		p.dbg.Writef("channel=%d operating mode=%d accepted but inert (only one-shot is fully implemented)", idx, mode)
		ch.warnedNonOneShot = true
	}
	p.dbg.Writef("channel=%d access=%d mode=%d bcd=%t", idx, access, mode, bcd)
}

func (p *Pit) writeDataLocked(idx int, value byte) {
	ch := &p.ch[idx]
	switch ch.access {
	case accessLow:
		ch.reload = uint16(value)
		p.armLocked(idx)
	case accessHigh:
		ch.reload = uint16(value) << 8
		p.armLocked(idx)
	case accessLowHigh:
		if !ch.writeHighPending {
			ch.reload = (ch.reload & 0xff00) | uint16(value)
			ch.writeHighPending = true
		} else {
			ch.reload = (ch.reload & 0x00ff) | (uint16(value) << 8)
			ch.writeHighPending = false
			p.armLocked(idx)
		}
	default:
		// latch-count access mode has no data-port write semantics.
	}
}

func (p *Pit) armLocked(idx int) {
	ch := &p.ch[idx]
	ch.started = p.now()
	ch.running = ch.mode == modeOneShot
	ch.armed = ch.mode == modeOneShot
	if idx == 2 && !p.channel2Gate {
		ch.running = false
		ch.armed = false
	}
}

func (p *Pit) readDataLocked(idx int) byte {
	ch := &p.ch[idx]
	current := p.currentCountLocked(idx)
	switch ch.access {
	case accessLow:
		return byte(current)
	case accessHigh:
		return byte(current >> 8)
	case accessLowHigh:
		if !ch.readHighPending {
			ch.readHighPending = true
			ch.latchedValue = current
			return byte(current)
		}
		ch.readHighPending = false
		return byte(ch.latchedValue >> 8)
	default:
		return 0
	}
}

// currentCountLocked implements the §4.B formula: reload - elapsed_periods,
// truncated to 16 bits, for a running one-shot channel; 0 for any other
// mode or a channel that was never armed.
func (p *Pit) currentCountLocked(idx int) uint16 {
	ch := &p.ch[idx]
	if !ch.running || ch.mode != modeOneShot {
		return 0
	}
	elapsedNanos := p.now().Sub(ch.started).Nanoseconds()
	if elapsedNanos < 0 {
		elapsedNanos = 0
	}
	elapsedPeriods := uint64(elapsedNanos) * inputFrequency / 1_000_000_000
	if elapsedPeriods >= uint64(ch.reload) {
		ch.running = false
		return 0
	}
	return ch.reload - uint16(elapsedPeriods)
}

// OutputHigh reports the channel's output-pin level, used by system
// control port 0x61's TIMER2_OUTPUT bit. Non-one-shot channels and
// channels never armed (or gated off on channel 2) always read false;
// an armed one-shot channel's pin goes high once its count reaches zero
// and *stays* high until the next command/reload rearms it — it does
// not drop back to low on its own, matching real 8254 behavior (the
// count itself still reads back 0 past the deadline, which is a
// separate question `currentCountLocked` answers for data-port reads).
func (p *Pit) OutputHigh(idx int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &p.ch[idx]
	if ch.mode != modeOneShot || !ch.armed {
		return false
	}
	elapsedNanos := p.now().Sub(ch.started).Nanoseconds()
	if elapsedNanos < 0 {
		elapsedNanos = 0
	}
	elapsedPeriods := uint64(elapsedNanos) * inputFrequency / 1_000_000_000
	return elapsedPeriods > uint64(ch.reload)
}

var _ hv.PortIODevice = (*Pit)(nil)
