package pc

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/chipset"
)

const (
	SystemControlPortA uint16 = 0x92

	port92FastReset = 1 << 0
	port92A20       = 1 << 1
)

// Port92 latches system control port A. The A20 bit is recorded only; the
// guest address space is not wrapped.
type Port92 struct {
	chipset.BaseDevice

	mu     sync.Mutex
	value  byte
	logger *slog.Logger
}

func NewPort92() *Port92 { return &Port92{value: port92A20, logger: slog.Default()} }

func (p *Port92) Name() string { return "port92" }

func (p *Port92) Init(host chipset.Host) error {
	p.logger = host.Logger().With("device", p.Name())
	return nil
}

func (p *Port92) ReadIOPort(_ uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		data[i] = 0
	}
	data[0] = p.value &^ port92FastReset
	return nil
}

func (p *Port92) WriteIOPort(_ uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("port92: invalid write size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if (p.value^data[0])&port92A20 != 0 {
		p.logger.Debug("A20 gate changed", "enabled", data[0]&port92A20 != 0)
	}
	if data[0]&port92FastReset != 0 {
		p.logger.Warn("guest requested fast reset, ignoring")
	}
	p.value = data[0]
	return nil
}

// A20 reports whether the guest last enabled the A20 gate.
func (p *Port92) A20() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value&port92A20 != 0
}

var _ chipset.Device = (*Port92)(nil)
