package pic

import (
	"sync"

	"github.com/quietvm/hvcore/internal/hv"
)

const (
	elcrMasterPort = 0x4d0
	elcrSlavePort  = 0x4d1
)

// ELCR is the edge/level control register shadow at ports 0x4D0/0x4D1.
// spec.md's §4.B PIC section is silent on ELCR; this is the teacher's
// harmless storage-only superset (several guest kernels probe it), kept
// per SPEC_FULL.md §12 since it changes no invariant — it has no effect
// on PIC behavior, it only remembers what was last written.
type ELCR struct {
	mu    sync.Mutex
	value [2]byte
}

func NewELCR() *ELCR { return &ELCR{} }

func (e *ELCR) Init() error        { return nil }
func (e *ELCR) IOPorts() []uint16  { return []uint16{elcrMasterPort, elcrSlavePort} }

func (e *ELCR) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	data[0] = e.value[elcrIndex(port)]
	return nil
}

func (e *ELCR) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.value[elcrIndex(port)] = data[0]
	return nil
}

func elcrIndex(port uint16) int {
	if port == elcrSlavePort {
		return 1
	}
	return 0
}

var _ hv.PortIODevice = (*ELCR)(nil)
