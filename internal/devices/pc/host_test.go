package pc

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/chipset"
)

type flatMemory struct {
	mu  sync.Mutex
	buf []byte
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(m.buf) {
		return 0, fmt.Errorf("read out of range 0x%x", off)
	}
	return copy(p, m.buf[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(m.buf) {
		return 0, fmt.Errorf("write out of range 0x%x", off)
	}
	return copy(m.buf[off:], p), nil
}

type testHost struct {
	mu      sync.Mutex
	vectors []uint8
	clears  int
	mem     *flatMemory
	logger  *slog.Logger
}

func newTestHost() *testHost {
	return &testHost{
		mem:    &flatMemory{buf: make([]byte, 0x110000)},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (h *testHost) Logger() *slog.Logger    { return h.logger }
func (h *testHost) Memory() chipset.Memory { return h.mem }

func (h *testHost) InjectInterrupt(_ chipset.CPUHandle, vector uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.vectors = append(h.vectors, vector)
}

func (h *testHost) ClearPendingInterrupts(chipset.CPUHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clears++
	h.vectors = nil
}

func (h *testHost) injected() []uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint8(nil), h.vectors...)
}

var _ chipset.Host = (*testHost)(nil)
