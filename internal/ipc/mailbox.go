// Package ipc implements the per-physical-CPU NMI-mailbox messaging used
// to request a secondary VM boot or a remote VMCS clear, per spec.md
// §4.G. There is no corpus grounding for this component — the teacher
// delegates all inter-vCPU signalling to the host kernel (KVM's
// KVM_SIGNAL_MSI / WHP's equivalent ioctl path) and never models a
// software mailbox of its own. This package is authored fresh, styled on
// the mutex-protected-queue shape used throughout internal/registry.
package ipc

import (
	"sync"

	"github.com/quietvm/hvcore/internal/debug"
)

// MessageKind discriminates the two NmiMessage variants §4.G names.
type MessageKind int

const (
	MessageBootVm MessageKind = iota
	MessageClear
)

// NmiMessage is one entry in a per-CPU mailbox. BootVm carries the VM id
// to create; Clear carries the target VMCS's guest-physical identity and
// must be answered on the sender's own queue.
type NmiMessage struct {
	Kind MessageKind

	VmID  uint64 // valid for MessageBootVm
	Paddr uint64 // valid for MessageClear

	reply chan struct{}
}

// NMISender issues the architectural NMI that wakes a physical CPU to
// drain its mailbox. The exit dispatcher's context-switch collaborator
// implements this for the real backend; tests supply a recording stub.
type NMISender interface {
	SendNMI(targetCPU int)
}

// Mailbox is one physical CPU's inbound NmiMessage queue.
type Mailbox struct {
	mu    sync.Mutex
	queue []NmiMessage

	cpu    int
	sender NMISender
	dbg    debug.Debug
}

// NewMailbox returns an empty mailbox for physical CPU cpu, using sender
// to deliver the wake-up NMI.
func NewMailbox(cpu int, sender NMISender) *Mailbox {
	return &Mailbox{cpu: cpu, sender: sender, dbg: debug.WithSource("ipc.mailbox")}
}

// SendBootVm appends a BootVm message to this mailbox and signals the CPU.
func (m *Mailbox) SendBootVm(vmID uint64) {
	m.push(NmiMessage{Kind: MessageBootVm, VmID: vmID})
}

// SendClear appends a Clear message and busy-waits for the reply the
// receiving CPU sends back through this same mailbox, per §4.G ("the
// sender busy-waits for its arrival"). The bound in §5 is enforced by the
// caller choosing how long to loop; this call blocks on a channel the
// receiver closes, which is itself bounded by how promptly NMI delivery
// happens on real hardware.
func (m *Mailbox) SendClear(paddr uint64) {
	reply := make(chan struct{})
	m.push(NmiMessage{Kind: MessageClear, Paddr: paddr, reply: reply})
	<-reply
}

func (m *Mailbox) push(msg NmiMessage) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	if m.sender != nil {
		m.sender.SendNMI(m.cpu)
	}
}

// Pop removes and returns the oldest message, or ok=false if the mailbox
// is empty (the "spurious NMI" case the exit dispatcher reinjects).
func (m *Mailbox) Pop() (NmiMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return NmiMessage{}, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

// Reply signals the sender waiting in SendClear, for a Clear message
// popped by the receiving CPU.
func (m *Mailbox) Reply(msg NmiMessage) {
	if msg.reply != nil {
		close(msg.reply)
	}
}

// Drain pops every queued message, dispatching each to onBoot or onClear;
// each Clear message is then answered with Reply. This is the loop
// shape §4.F's NMI exit handler runs: "pop the queue until empty."
func (m *Mailbox) Drain(onBoot func(vmID uint64), onClear func(paddr uint64)) (handled int) {
	for {
		msg, ok := m.Pop()
		if !ok {
			return handled
		}
		handled++
		switch msg.Kind {
		case MessageBootVm:
			if onBoot != nil {
				onBoot(msg.VmID)
			}
		case MessageClear:
			if onClear != nil {
				onClear(msg.Paddr)
			}
			m.Reply(msg)
		}
	}
}
