// Package apictimer implements the local APIC timer's MSR-facing register
// file, per spec.md §4.C. There is no corpus grounding for this component:
// every hypervisor backend in the teacher's tree (KVM, Hyper-V/WHP, plus
// the other example repos) delegates the local APIC entirely to the host
// kernel's in-kernel model and only shuttles KVM_GET_LAPIC/KVM_SET_LAPIC
// state across snapshots — none of them implement the timer arithmetic in
// Go. This package is authored fresh, styled on the mutex-guarded,
// debug.Writef-traced register-device shape used throughout
// internal/devices/{pic,pit,bundle}.
package apictimer

import (
	"sync"
	"time"

	"github.com/quietvm/hvcore/internal/debug"
	"github.com/quietvm/hvcore/internal/hv"
)

// APICCycleNanos is the fixed period of one local-APIC timer cycle at
// divide-shift 0, per §4.C.
const APICCycleNanos = 1

const (
	msrApicBase = 0x01b

	msrWindowLow  = 0x800
	msrWindowHigh = 0x840

	msrSIVR      = 0x80f
	msrIRRBase   = 0x810
	msrIRRLast   = 0x817
	msrTPR       = 0x808
	msrEOI       = 0x80b
	msrLVTTimer  = 0x832
	msrInitCount = 0x838
	msrCurCount  = 0x839
	msrDivConf   = 0x83e
)

// lvtTimerModeMask selects bits 17-18 of the LVT-timer register.
const (
	lvtTimerModeShift = 17
	lvtTimerModeMask  = 0b11 << lvtTimerModeShift
	lvtModeOneShot    = 0b00 << lvtTimerModeShift
	lvtModePeriodic   = 0b01 << lvtTimerModeShift
	lvtModeTSCDeadln  = 0b10 << lvtTimerModeShift
	lvtModeReserved   = 0b11 << lvtTimerModeShift
	lvtMaskedBit      = 1 << 16
)

// Timer is the local APIC timer's state for one vCPU: the LVT-timer
// register, divide configuration, initial count, and the derived
// deadline arithmetic from §4.C.
type Timer struct {
	mu sync.Mutex

	lvtTimer    uint32
	initCount   uint32
	divideShift uint32

	lastStart time.Time
	deadline  time.Time // zero value means "no deadline armed"

	now func() time.Time
	dbg debug.Debug
}

// New returns a Timer using the real wall clock.
func New() *Timer {
	return &Timer{now: time.Now, dbg: debug.WithSource("apictimer"), lvtTimer: lvtMaskedBit}
}

func (t *Timer) Init() error { return nil }

func (t *Timer) MSRRanges() []hv.MSRRange {
	return []hv.MSRRange{{Low: msrWindowLow, High: msrWindowHigh}, {Low: msrApicBase, High: msrApicBase}}
}

// SetLvtTimer implements set_lvt_timer(bits): rejects TSC-deadline mode
// and the reserved encoding, otherwise stores and restarts the timer.
func (t *Timer) SetLvtTimer(bits uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch bits & lvtTimerModeMask {
	case lvtModeTSCDeadln:
		return hv.NotSupported("apictimer.lvt", nil)
	case lvtModeReserved:
		return hv.InvalidParam("apictimer.lvt", nil)
	}
	t.lvtTimer = bits
	t.startTimerLocked()
	return nil
}

// SetInitialCount implements set_initial_count(n).
func (t *Timer) SetInitialCount(n uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initCount = n
	t.startTimerLocked()
}

// SetDivide implements set_divide(dcr): shift = (dcr & 0b11) | ((dcr &
// 0b1000) >> 1); divide_shift = (shift + 1) & 0b111.
func (t *Timer) SetDivide(dcr uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	shift := (dcr & 0b11) | ((dcr & 0b1000) >> 1)
	t.divideShift = (shift + 1) & 0b111
	t.startTimerLocked()
}

func (t *Timer) intervalNanosLocked() uint64 {
	return uint64(t.initCount) * APICCycleNanos << t.divideShift
}

func (t *Timer) startTimerLocked() {
	t.lastStart = t.now()
	if t.initCount == 0 {
		t.deadline = time.Time{}
		return
	}
	t.deadline = t.lastStart.Add(time.Duration(t.intervalNanosLocked()))
}

func (t *Timer) periodicLocked() bool {
	return t.lvtTimer&lvtTimerModeMask == lvtModePeriodic
}

// CheckInterrupt implements check_interrupt: if a deadline is armed and
// has passed, advances it (periodic) or clears it (one-shot) and reports
// the vector is due, unless the LVT-timer entry is masked.
func (t *Timer) CheckInterrupt() (vector uint8, fired bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.deadline.IsZero() {
		return 0, false
	}
	now := t.now()
	if now.Before(t.deadline) {
		return 0, false
	}
	if t.periodicLocked() {
		t.deadline = t.deadline.Add(time.Duration(t.intervalNanosLocked()))
	} else {
		t.deadline = time.Time{}
	}
	if t.lvtTimer&lvtMaskedBit != 0 {
		return 0, false
	}
	return uint8(t.lvtTimer & 0xff), true
}

// CurrentCounter implements current_counter.
func (t *Timer) CurrentCounter() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currentCounterLocked()
}

func (t *Timer) ReadMSR(ctx hv.ExitContext, msr uint32) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch msr {
	case msrApicBase:
		return 0, nil
	case msrSIVR:
		return 0x1ff, nil // software-enable bit set, spurious vector 0xff
	case msrTPR, msrEOI:
		return 0, nil
	case msrLVTTimer:
		return uint64(t.lvtTimer), nil
	case msrInitCount:
		return uint64(t.initCount), nil
	case msrDivConf:
		return uint64(t.divideShift), nil
	case msrCurCount:
		return uint64(t.currentCounterLocked()), nil
	default:
		if msr >= msrIRRBase && msr <= msrIRRLast {
			return 0, nil // IRR/ISR read as 0, per §4.C.
		}
		if msr >= msrWindowLow && msr <= msrWindowHigh {
			// other LVT entries return masked-only, per §4.C.
			return uint64(lvtMaskedBit), nil
		}
		return 0, hv.OutOfRange("apictimer.read", nil)
	}
}

// currentCounterLocked is CurrentCounter's body for callers already
// holding t.mu (ReadMSR dispatches msrCurCount through here).
func (t *Timer) currentCounterLocked() uint32 {
	if t.initCount == 0 {
		return 0
	}
	elapsedNanos := uint64(t.now().Sub(t.lastStart).Nanoseconds())
	elapsedCycles := (elapsedNanos / APICCycleNanos) >> t.divideShift
	if t.periodicLocked() {
		return t.initCount - uint32(elapsedCycles%uint64(t.initCount))
	}
	if elapsedCycles >= uint64(t.initCount) {
		return 0
	}
	return t.initCount - uint32(elapsedCycles)
}

// WriteMSR dispatches a WRMSR targeting this window. The register-specific
// setters (SetLvtTimer/SetInitialCount/SetDivide) take the lock
// themselves, so this method stays lock-free and just routes.
func (t *Timer) WriteMSR(ctx hv.ExitContext, msr uint32, value uint64) error {
	if value >= 1<<32 {
		return hv.InvalidParam("apictimer.write", nil)
	}
	v := uint32(value)
	switch msr {
	case msrApicBase, msrTPR, msrSIVR:
		return nil
	case msrEOI:
		if v != 0 {
			return hv.InvalidParam("apictimer.eoi", nil)
		}
		return nil
	case msrLVTTimer:
		return t.SetLvtTimer(v)
	case msrInitCount:
		t.SetInitialCount(v)
		return nil
	case msrDivConf:
		t.SetDivide(v)
		return nil
	case msrCurCount:
		return hv.InvalidParam("apictimer.write", nil)
	default:
		if msr >= msrWindowLow && msr <= msrWindowHigh {
			return nil // other LVTs ignore writes, per §4.C.
		}
		return hv.OutOfRange("apictimer.write", nil)
	}
}

var _ hv.MSRDevice = (*Timer)(nil)
