// Package term mirrors the guest's text screen onto an ANSI terminal and
// turns terminal input into BIOS keystrokes.
package term

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/text/encoding/charmap"

	"github.com/tinyrange/legacypc/internal/devices/pc"
)

// DefaultRefreshInterval is how often Run redraws the screen.
const DefaultRefreshInterval = 50 * time.Millisecond

// ScreenSource supplies snapshots of the guest's visible text page.
type ScreenSource interface {
	Screen() (pc.TextScreen, error)
}

// KeySink accepts BIOS key words.
type KeySink interface {
	PushKey(key uint16) bool
}

// Terminal renders a ScreenSource to an ANSI output stream.
type Terminal struct {
	out      io.Writer
	screen   ScreenSource
	keys     KeySink
	logger   *slog.Logger
	interval time.Duration

	escapeKey byte
	onEscape  func()

	mu     sync.Mutex
	grid   *Grid
	mode   uint8
	parser *ansi.Parser
}

type Option func(*Terminal)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Terminal) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithRefreshInterval(d time.Duration) Option {
	return func(t *Terminal) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithEscapeKey calls fn instead of forwarding the input byte b, so a raw
// terminal can still be detached.
func WithEscapeKey(b byte, fn func()) Option {
	return func(t *Terminal) {
		t.escapeKey = b
		t.onEscape = fn
	}
}

// New builds a terminal that draws screen to out and forwards input to keys.
// keys may be nil for an output-only terminal.
func New(out io.Writer, screen ScreenSource, keys KeySink, opts ...Option) *Terminal {
	t := &Terminal{
		out:      out,
		screen:   screen,
		keys:     keys,
		logger:   slog.Default(),
		interval: DefaultRefreshInterval,
		parser:   ansi.NewParser(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Refresh redraws the cells that changed since the previous call.
func (t *Terminal) Refresh() error {
	screen, err := t.screen.Screen()
	if err != nil {
		return fmt.Errorf("term: snapshot screen: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	if t.grid == nil || t.mode != screen.Mode {
		t.grid = NewGrid(screen.Cols, screen.Rows)
		t.mode = screen.Mode
		b.WriteString(ansi.ResetStyle)
		b.WriteString(ansi.EraseEntireScreen)
	}

	for row := 0; row < screen.Rows; row++ {
		for col := 0; col < screen.Cols; col++ {
			c := screen.Cell(row, col)
			t.grid.SetCell(col, row, Cell{Char: c.Char, Attr: c.Attr})
		}
	}

	moved := t.grid.UpdateCursor(screen.CursorCol, screen.CursorRow)
	regions := t.grid.GetDirtyRegions()
	if len(regions) == 0 && !moved {
		return nil
	}

	b.WriteString(ansi.HideCursor)
	for _, r := range regions {
		b.WriteString(ansi.CursorPosition(r.X+1, r.Y+1))
		lastAttr := -1
		for x := r.X; x < r.X+r.Width; x++ {
			cell := t.grid.CellAt(x, r.Y)
			if int(cell.Attr) != lastAttr {
				b.WriteString(attrSGR(cell.Attr))
				lastAttr = int(cell.Attr)
			}
			b.WriteRune(glyph(cell.Char))
		}
	}
	b.WriteString(ansi.ResetStyle)
	b.WriteString(ansi.CursorPosition(screen.CursorCol+1, screen.CursorRow+1))
	if screen.CursorVisible {
		b.WriteString(ansi.ShowCursor)
	}
	t.grid.ClearDirty()

	if _, err := io.WriteString(t.out, b.String()); err != nil {
		return fmt.Errorf("term: write: %w", err)
	}
	return nil
}

// Input translates raw terminal bytes into keystrokes and returns how many
// were accepted by the sink.
func (t *Terminal) Input(p []byte) int {
	if t.keys == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pushed := 0
	var state byte
	for len(p) > 0 {
		seq, _, n, newState := ansi.DecodeSequence(p, state, t.parser)
		if n <= 0 {
			break
		}
		state = newState
		p = p[n:]

		s := string(seq)
		// SS3 keys (ESC O P) decode as a two byte escape plus a final.
		if s == "\x1bO" && len(p) > 0 {
			s += string(p[0])
			p = p[1:]
		}

		if t.onEscape != nil && len(s) == 1 && s[0] == t.escapeKey {
			t.onEscape()
			continue
		}

		key, ok := KeyForSequence(s)
		if !ok {
			t.logger.Debug("unmapped input", "seq", fmt.Sprintf("%q", seq))
			continue
		}
		if t.keys.PushKey(key) {
			pushed++
		}
	}
	return pushed
}

// Run redraws the screen every refresh interval and feeds in to the key
// sink until ctx is done. A nil in disables input.
func (t *Terminal) Run(ctx context.Context, in io.Reader) error {
	if in != nil && t.keys != nil {
		go t.readInput(ctx, in)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	defer t.restore()

	for {
		if err := t.Refresh(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (t *Terminal) readInput(ctx context.Context, in io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			t.Input(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("terminal input", "error", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (t *Terminal) restore() {
	if _, err := io.WriteString(t.out, ansi.ResetStyle+ansi.ShowCursor+"\r\n"); err != nil {
		t.logger.Debug("restore terminal", "error", err)
	}
}

// CGA colour order to ANSI colour order.
var cgaToANSI = [8]int{0, 4, 2, 6, 1, 5, 3, 7}

// attrSGR renders a text attribute: low nibble foreground, bits 4-6
// background, bit 7 blink.
func attrSGR(attr byte) string {
	fg := int(attr & 0x0f)
	bg := int(attr>>4) & 0x07

	params := []string{"0"}
	if fg >= 8 {
		params = append(params, strconv.Itoa(90+cgaToANSI[fg-8]))
	} else {
		params = append(params, strconv.Itoa(30+cgaToANSI[fg]))
	}
	params = append(params, strconv.Itoa(40+cgaToANSI[bg]))
	if attr&0x80 != 0 {
		params = append(params, "5")
	}
	return "\x1b[" + strings.Join(params, ";") + "m"
}

// glyph maps a code page 437 byte to a printable rune.
func glyph(b byte) rune {
	if b == 0 {
		return ' '
	}
	r := charmap.CodePage437.DecodeByte(b)
	if r < 0x20 || r == 0x7f {
		return ' '
	}
	return r
}
