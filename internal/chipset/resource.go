package chipset

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrIOPortInUse         = errors.New("I/O port in use")
	ErrInvalidPort         = errors.New("invalid I/O port")
	ErrInvalidIRQ          = errors.New("invalid IRQ")
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrResourcesFrozen     = errors.New("resources frozen")
	ErrPortWrite           = errors.New("port write failed")
	ErrPortRead            = errors.New("port read failed")
)

const (
	maxPort = 0xffff
	numIRQs = 16
)

// PortRange is Count consecutive ports starting at Base. Count 0 is empty.
type PortRange struct {
	Base  uint16
	Count int
}

// Ports returns the inclusive range first..last.
func Ports(first, last uint16) PortRange {
	if last < first {
		return PortRange{Base: first, Count: -1}
	}
	return PortRange{Base: first, Count: int(last) - int(first) + 1}
}

func (r PortRange) Empty() bool { return r.Count == 0 }

func (r PortRange) valid() bool {
	return r.Count >= 0 && int(r.Base)+r.Count <= maxPort+1
}

func (r PortRange) end() int { return int(r.Base) + r.Count }

func (r PortRange) Contains(port uint16) bool {
	return int(port) >= int(r.Base) && int(port) < r.end()
}

func (r PortRange) covers(o PortRange) bool {
	return o.Empty() || (o.Base >= r.Base && o.end() <= r.end())
}

func (r PortRange) overlaps(o PortRange) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return int(r.Base) < o.end() && int(o.Base) < r.end()
}

func (r PortRange) String() string {
	if r.Empty() {
		return "ports:none"
	}
	return fmt.Sprintf("ports:0x%04x-0x%04x", r.Base, r.end()-1)
}

// IRQRange is Count consecutive IRQ lines starting at Base.
type IRQRange struct {
	Base  uint8
	Count int
}

// IRQs returns the inclusive range first..last.
func IRQs(first, last uint8) IRQRange {
	if last < first {
		return IRQRange{Base: first, Count: -1}
	}
	return IRQRange{Base: first, Count: int(last) - int(first) + 1}
}

// NoIRQs is the empty IRQ range.
var NoIRQs = IRQRange{}

func (r IRQRange) Empty() bool { return r.Count == 0 }

func (r IRQRange) valid() bool {
	return r.Count >= 0 && int(r.Base)+r.Count <= numIRQs
}

func (r IRQRange) end() int { return int(r.Base) + r.Count }

func (r IRQRange) covers(o IRQRange) bool {
	return o.Empty() || (o.Base >= r.Base && o.end() <= r.end())
}

func (r IRQRange) overlaps(o IRQRange) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return int(r.Base) < o.end() && int(o.Base) < r.end()
}

func (r IRQRange) String() string {
	if r.Empty() {
		return "irqs:none"
	}
	return fmt.Sprintf("irqs:%d-%d", r.Base, r.end()-1)
}

// ResourceNode is a scoped reservation of ports and IRQs. Children partition
// their parent without overlapping one another. Only the root holds the
// port to device map that dispatch consults.
type ResourceNode struct {
	name     string
	ports    PortRange
	irqs     IRQRange
	parent   *ResourceNode
	children []*ResourceNode

	// root only
	mu     sync.RWMutex
	frozen bool
	owners map[uint16]Device
	logger *slog.Logger
}

// NewRootResourceNode returns a node spanning every port and IRQ.
func NewRootResourceNode(logger *slog.Logger) *ResourceNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceNode{
		name:   "root",
		ports:  Ports(0, maxPort),
		irqs:   IRQs(0, numIRQs-1),
		owners: make(map[uint16]Device),
		logger: logger,
	}
}

func (n *ResourceNode) Name() string         { return n.name }
func (n *ResourceNode) PortRange() PortRange { return n.ports }
func (n *ResourceNode) IRQRange() IRQRange   { return n.irqs }

func (n *ResourceNode) root() *ResourceNode {
	for n.parent != nil {
		n = n.parent
	}
	return n
}

// Reserve carves a child node out of n.
func (n *ResourceNode) Reserve(name string, ports PortRange, irqs IRQRange) (*ResourceNode, error) {
	if !irqs.valid() {
		return nil, fmt.Errorf("chipset: reserve %q %s: %w", name, irqs, ErrInvalidIRQ)
	}
	if !ports.valid() {
		return nil, fmt.Errorf("chipset: reserve %q %s: %w", name, ports, ErrInvalidPort)
	}
	if !n.ports.covers(ports) || !n.irqs.covers(irqs) {
		return nil, fmt.Errorf("chipset: reserve %q %s %s outside %q: %w",
			name, ports, irqs, n.name, ErrResourceUnavailable)
	}

	root := n.root()
	root.mu.Lock()
	defer root.mu.Unlock()

	if root.frozen {
		return nil, fmt.Errorf("chipset: reserve %q: %w", name, ErrResourcesFrozen)
	}
	for _, sib := range n.children {
		if sib.ports.overlaps(ports) || sib.irqs.overlaps(irqs) {
			return nil, fmt.Errorf("chipset: reserve %q %s %s overlaps %q: %w",
				name, ports, irqs, sib.name, ErrResourceUnavailable)
		}
	}

	child := &ResourceNode{name: name, ports: ports, irqs: irqs, parent: n}
	n.children = append(n.children, child)
	return child, nil
}

// RegisterPorts claims every port in ports for dev. Nothing is claimed if
// any port is out of range or already taken.
func (n *ResourceNode) RegisterPorts(ports PortRange, dev Device) error {
	if dev == nil {
		return fmt.Errorf("chipset: register %s: nil device", ports)
	}
	if !ports.valid() || ports.Empty() {
		return fmt.Errorf("chipset: register %s for %q: %w", ports, dev.Name(), ErrInvalidPort)
	}

	root := n.root()
	if !n.ports.covers(ports) || !root.ports.covers(ports) {
		return fmt.Errorf("chipset: register %s for %q outside %q: %w",
			ports, dev.Name(), n.name, ErrInvalidPort)
	}

	root.mu.Lock()
	defer root.mu.Unlock()

	if root.frozen {
		return fmt.Errorf("chipset: register %s for %q: %w", ports, dev.Name(), ErrResourcesFrozen)
	}
	for p := ports.end() - 1; p >= int(ports.Base); p-- {
		if owner, ok := root.owners[uint16(p)]; ok {
			return fmt.Errorf("chipset: port 0x%04x for %q owned by %q: %w",
				p, dev.Name(), owner.Name(), ErrIOPortInUse)
		}
	}
	for p := int(ports.Base); p < ports.end(); p++ {
		root.owners[uint16(p)] = dev
	}
	return nil
}

// RegisterPort claims a single port.
func (n *ResourceNode) RegisterPort(port uint16, dev Device) error {
	return n.RegisterPorts(PortRange{Base: port, Count: 1}, dev)
}

// Freeze stops further reservations and registrations.
func (n *ResourceNode) Freeze() {
	root := n.root()
	root.mu.Lock()
	root.frozen = true
	root.mu.Unlock()
}

// Owner returns the device that claimed port.
func (n *ResourceNode) Owner(port uint16) (Device, bool) {
	root := n.root()
	root.mu.RLock()
	defer root.mu.RUnlock()
	dev, ok := root.owners[port]
	return dev, ok
}

// WriteIOPort forwards a port write to its owner. Writes to unclaimed
// ports are dropped.
func (n *ResourceNode) WriteIOPort(port uint16, data []byte) error {
	dev, ok := n.Owner(port)
	if !ok {
		n.root().logger.Debug("write to unclaimed port", "port", fmt.Sprintf("0x%04x", port), "size", len(data))
		return nil
	}
	if err := dev.WriteIOPort(port, data); err != nil {
		return fmt.Errorf("chipset: %q port 0x%04x: %w: %w", dev.Name(), port, ErrPortWrite, err)
	}
	return nil
}

// ReadIOPort fills data from the port's owner, or with 0xFF if nobody
// claimed it.
func (n *ResourceNode) ReadIOPort(port uint16, data []byte) error {
	dev, ok := n.Owner(port)
	if !ok {
		n.root().logger.Debug("read from unclaimed port", "port", fmt.Sprintf("0x%04x", port), "size", len(data))
		FloatingBus(data)
		return nil
	}
	if err := dev.ReadIOPort(port, data); err != nil {
		return fmt.Errorf("chipset: %q port 0x%04x: %w: %w", dev.Name(), port, ErrPortRead, err)
	}
	return nil
}
