// Package uart implements a deliberately minimal 16550-style serial port,
// per spec.md §4.B. Adapted from the teacher's
// internal/devices/amd64/serial/serial.go for the mutex-guarded
// register-write shape and the capability-interface wiring, but trimmed
// hard: the teacher models IER-driven interrupt priority, loopback mode,
// the modem status register, and FIFO trigger levels; none of that
// carries forward here. This device exposes exactly three live registers
// (DATA, LINE_STATUS, LINE_CTRL) over an 8-byte port window, with every
// other offset a pure no-op, and requires byte-sized access throughout.
package uart

import (
	"sync"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/hv"
)

const (
	regData       = 0 // DATA
	regLineCtrl   = 3 // LINE_CTRL
	regLineStatus = 5 // LINE_STATUS

	windowSize = 8

	lineStatusOutputEmpty  = 1 << 5 // OUTPUT_EMPTY: transmit holding register empty
	lineStatusOutputEmpty2 = 1 << 6 // OUTPUT_EMPTY2: transmitter fully idle
	lineStatusInputFull    = 1 << 0 // INPUT_FULL: a byte is available to read
)

// Uart16550 is an 8-byte-window serial port backed by a pluggable Backend
// and a receive Fifo that LINE_STATUS reads refill from the backend.
type Uart16550 struct {
	mu sync.Mutex

	base    uint16
	backend Backend
	rx      *Fifo

	lineCtrl byte

	dbg debug.Debug
}

// New returns a Uart16550 whose 8-port window starts at base, driven by
// backend and buffering received bytes in an rxCapacity-byte Fifo.
func New(base uint16, backend Backend, rxCapacity int) *Uart16550 {
	return &Uart16550{
		base:    base,
		backend: backend,
		rx:      NewFifo(rxCapacity),
		dbg:     debug.WithSource("uart"),
	}
}

func (u *Uart16550) Init() error { return nil }

func (u *Uart16550) IOPorts() []uint16 {
	ports := make([]uint16, windowSize)
	for i := range ports {
		ports[i] = u.base + uint16(i)
	}
	return ports
}

func (u *Uart16550) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return hv.InvalidParam("uart.read", nil)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	switch port - u.base {
	case regData:
		b, ok := u.rx.Pop()
		if !ok {
			b = 0
		}
		data[0] = b
	case regLineStatus:
		u.pollBackendLocked()
		status := byte(lineStatusOutputEmpty | lineStatusOutputEmpty2)
		if !u.rx.IsEmpty() {
			status |= lineStatusInputFull
		}
		data[0] = status
	case regLineCtrl:
		data[0] = u.lineCtrl
	default:
		data[0] = 0
	}
	return nil
}

func (u *Uart16550) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) != 1 {
		return hv.InvalidParam("uart.write", nil)
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	switch port - u.base {
	case regData:
		u.backend.Put(data[0])
	case regLineCtrl:
		u.lineCtrl = data[0]
	default:
		// all other offsets are ignored, per §4.B.
	}
	return nil
}

// Poll pulls any available backend input into the receive Fifo, so input
// that arrives between guest reads isn't lost until the next LINE_STATUS
// read happens to ask for it.
func (u *Uart16550) Poll() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pollBackendLocked()
	return nil
}

func (u *Uart16550) pollBackendLocked() {
	for !u.rx.IsFull() {
		b, ok := u.backend.Get()
		if !ok {
			return
		}
		if !u.rx.Push(b) {
			return
		}
		u.dbg.Writef("rx 0x%02x", b)
	}
}

var (
	_ hv.PortIODevice = (*Uart16550)(nil)
	_ hv.PollDevice   = (*Uart16550)(nil)
)
