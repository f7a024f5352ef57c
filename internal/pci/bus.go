package pci

import (
	"fmt"
	"sync"
	"weak"

	"github.com/quietvm/hvcore/internal/hv"
)

// Devfn packs a 5-bit device number and 3-bit function number, the key a
// Bus indexes its functions by.
type Devfn struct {
	Device   uint8
	Function uint8
}

// Function is one PCI function attached to a Bus: its config space plus a
// weak back-reference to the owning bus, per design note 9 ("devices hold
// a weak back-reference to the bus that must be upgraded before use").
type Function struct {
	Name   string
	Config *ConfigSpace
	bus    weak.Pointer[Bus]
}

// Bus upgrades the function's weak bus reference, returning a
// PciError(Detached) if the bus has already been torn down.
func (f *Function) Bus() (*Bus, error) {
	b := f.bus.Value()
	if b == nil {
		return nil, hv.PciError("pci.function.bus", fmt.Errorf("detached"))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tornDown {
		return nil, hv.PciError("pci.function.bus", fmt.Errorf("detached"))
	}
	return b, nil
}

// Bus is one PCI bus: a devfn-keyed map of functions plus a tree of child
// buses rooted at the host bridge's bus 0, per §4.D's "BTree-style
// mapping... child buses form a tree rooted at the host."
type Bus struct {
	mu sync.Mutex

	number uint8
	name   string

	secondaryBus   uint8
	subordinateBus uint8

	parent    *Bus
	self      *weak.Pointer[Bus] // set by newBus, lets Attach build child back-refs
	functions map[Devfn]*Function
	children  []*Bus

	tornDown bool
}

// newBus allocates a Bus and records a weak pointer to itself so
// functions and children can be handed durable-but-weak back-references.
func newBus(number uint8, name string, parent *Bus) *Bus {
	b := &Bus{number: number, name: name, parent: parent, functions: make(map[Devfn]*Function)}
	w := weak.Make(b)
	b.self = &w
	return b
}

// NewRootBus returns the bus-0 root of the PCI tree.
func NewRootBus() *Bus { return newBus(0, "root", nil) }

// Number returns the bus's PCI bus number.
func (b *Bus) Number() uint8 { return b.number }

// Attach adds a child bus behind a bridge whose secondary/subordinate
// bus-number registers are given, returning the new Bus.
func (b *Bus) Attach(number uint8, name string, secondary, subordinate uint8) *Bus {
	b.mu.Lock()
	defer b.mu.Unlock()
	child := newBus(number, name, b)
	child.secondaryBus = secondary
	child.subordinateBus = subordinate
	b.children = append(b.children, child)
	return child
}

// AddFunction registers a function at devfn, returning hv.PciError if one
// is already present there.
func (b *Bus) AddFunction(devfn Devfn, name string, cfg *ConfigSpace) (*Function, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.functions[devfn]; exists {
		return nil, hv.PciError("pci.bus.add", fmt.Errorf("devfn %02x.%x already occupied on bus %d", devfn.Device, devfn.Function, b.number))
	}
	fn := &Function{Name: name, Config: cfg, bus: *b.self}
	b.functions[devfn] = fn
	return fn, nil
}

// Function looks up a devfn on this bus only (no recursion into children).
func (b *Bus) Function(devfn Devfn) (*Function, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn, ok := b.functions[devfn]
	return fn, ok
}

// FindByName walks the tree rooted at b, depth-first, looking for a
// function with the given name.
func (b *Bus) FindByName(name string) (*Function, bool) {
	b.mu.Lock()
	for devfn, fn := range b.functions {
		_ = devfn
		if fn.Name == name {
			b.mu.Unlock()
			return fn, true
		}
	}
	children := append([]*Bus(nil), b.children...)
	b.mu.Unlock()
	for _, c := range children {
		if fn, ok := c.FindByName(name); ok {
			return fn, true
		}
	}
	return nil, false
}

// FindByBusNumber walks the tree rooted at b looking for the Bus whose
// number matches target, using each bridge's recorded
// secondary/subordinate range to prune the search, per §4.D.
func (b *Bus) FindByBusNumber(target uint8) (*Bus, bool) {
	if b.number == target {
		return b, true
	}
	b.mu.Lock()
	children := append([]*Bus(nil), b.children...)
	b.mu.Unlock()
	for _, c := range children {
		if target < c.secondaryBus || target > c.subordinateBus {
			continue
		}
		if found, ok := c.FindByBusNumber(target); ok {
			return found, true
		}
	}
	return nil, false
}

// Detach removes devfn from the bus. If the bus itself is being torn
// down, Detach(Devfn{}) on every entry plus a call to TearDown should
// precede dropping the last strong reference.
func (b *Bus) Detach(devfn Devfn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.functions, devfn)
}

// TearDown marks the bus as detached: any Function.Bus() call against a
// weak reference to it will now fail, per design note 9.
func (b *Bus) TearDown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tornDown = true
	b.functions = nil
	b.children = nil
}
