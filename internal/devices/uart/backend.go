package uart

import (
	"io"

	"github.com/charmbracelet/x/ansi"

	"github.com/quietvm/hvcore/internal/debug"
)

// Backend is the pluggable byte source/sink behind a Uart16550, per
// spec.md §4.B's "{PrimaryConsole, SecondaryMultiplex(...)}" data model.
type Backend interface {
	// Get returns the next available input byte, or ok=false if none is
	// ready right now.
	Get() (b byte, ok bool)
	// Put forwards one guest-transmitted byte to the backend.
	Put(b byte)
}

// PrimaryConsole is the real-terminal backend: output is written straight
// through (through an ANSI-safe writer so control sequences the guest
// emits aren't mangled by a naive byte copy, mirroring how the teacher's
// own terminal frontend always goes through an ANSI-aware writer rather
// than a raw io.Writer), input is pumped from a reader goroutine into a
// small non-blocking channel so Get never blocks the vCPU thread.
type PrimaryConsole struct {
	out io.Writer
	in  chan byte
}

// NewPrimaryConsole wires out/in as the primary console's backend. in may
// be nil for output-only use (e.g. in tests).
func NewPrimaryConsole(out io.Writer, in io.Reader) *PrimaryConsole {
	c := &PrimaryConsole{out: out, in: make(chan byte, 256)}
	if in != nil {
		go c.pump(in)
	}
	return c
}

func (c *PrimaryConsole) pump(in io.Reader) {
	var b [1]byte
	for {
		n, err := in.Read(b[:])
		if n > 0 {
			select {
			case c.in <- b[0]:
			default:
				// drop on a full backlog rather than block the reader.
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *PrimaryConsole) Get() (byte, bool) {
	select {
	case b := <-c.in:
		return b, true
	default:
		return 0, false
	}
}

func (c *PrimaryConsole) Put(b byte) {
	if c.out == nil {
		return
	}
	_, _ = c.out.Write([]byte(ansi.Wrap(string(b), 0, "")))
}

// SecondaryMultiplex is the scripted-input, line-logging backend, per
// §4.B: it accumulates transmitted bytes until a newline, then emits the
// accumulated line to the trace sink as "multiplex console output <id>:
// <line>"; Get replays successive bytes of a scripted input string,
// wrapping at the end.
type SecondaryMultiplex struct {
	id       int
	lineBuf  []byte
	scripted string
	cursor   int
}

// NewSecondaryMultiplex returns a multiplexed backend identified by id,
// replaying scripted as its input stream.
func NewSecondaryMultiplex(id int, scripted string) *SecondaryMultiplex {
	return &SecondaryMultiplex{id: id, scripted: scripted}
}

func (m *SecondaryMultiplex) Get() (byte, bool) {
	if len(m.scripted) == 0 {
		return 0, false
	}
	b := m.scripted[m.cursor]
	m.cursor = (m.cursor + 1) % len(m.scripted)
	return b, true
}

func (m *SecondaryMultiplex) Put(b byte) {
	if b == '\n' {
		debug.Writef("uart.multiplex", "multiplex console output %d: %s", m.id, string(m.lineBuf))
		m.lineBuf = m.lineBuf[:0]
		return
	}
	m.lineBuf = append(m.lineBuf, b)
}
