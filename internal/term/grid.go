package term

import "math/bits"

// Cell is one text-mode character cell: a code page 437 byte and its
// attribute byte.
type Cell struct {
	Char byte
	Attr byte
}

// Grid holds the screen as last sent to the terminal. A bitmap records the
// cells that differ from what the terminal shows.
type Grid struct {
	cols, rows int
	cells      []Cell
	dirty      []uint64

	cursorX, cursorY int

	fullRedraws int
}

// GridStats summarises the grid for diagnostics.
type GridStats struct {
	TotalCells  int
	DirtyCells  int
	FullRedraws int
}

// DirtyRegion is a horizontal run of dirty cells.
type DirtyRegion struct {
	X, Y  int
	Width int
}

// NewGrid returns a cols x rows grid with every cell dirty. Sizes below 1
// are raised to 1.
func NewGrid(cols, rows int) *Grid {
	g := &Grid{}
	g.alloc(cols, rows)
	return g
}

func (g *Grid) alloc(cols, rows int) {
	g.cols, g.rows = max(cols, 1), max(rows, 1)
	n := g.cols * g.rows
	g.cells = make([]Cell, n)
	g.dirty = make([]uint64, (n+63)/64)
	g.cursorX, g.cursorY = -1, -1
	g.MarkAllDirty()
}

func (g *Grid) Size() (cols, rows int) { return g.cols, g.rows }

// Resize reallocates the grid when the dimensions change. Content is
// dropped; a text mode switch repaints everything anyway.
func (g *Grid) Resize(cols, rows int) {
	if max(cols, 1) == g.cols && max(rows, 1) == g.rows {
		return
	}
	g.alloc(cols, rows)
}

func (g *Grid) index(x, y int) (int, bool) {
	if x < 0 || x >= g.cols || y < 0 || y >= g.rows {
		return 0, false
	}
	return y*g.cols + x, true
}

func (g *Grid) bit(i int) bool { return g.dirty[i/64]&(1<<(i%64)) != 0 }
func (g *Grid) setBit(i int)   { g.dirty[i/64] |= 1 << (i % 64) }

// CellAt returns the cell at (x, y), or nil outside the grid.
func (g *Grid) CellAt(x, y int) *Cell {
	i, ok := g.index(x, y)
	if !ok {
		return nil
	}
	return &g.cells[i]
}

// SetCell stores c and reports whether it differed from the cached cell.
func (g *Grid) SetCell(x, y int, c Cell) bool {
	i, ok := g.index(x, y)
	if !ok || g.cells[i] == c {
		return false
	}
	g.cells[i] = c
	g.setBit(i)
	return true
}

func (g *Grid) IsDirty(x, y int) bool {
	i, ok := g.index(x, y)
	return ok && g.bit(i)
}

func (g *Grid) MarkDirty(x, y int) {
	if i, ok := g.index(x, y); ok {
		g.setBit(i)
	}
}

func (g *Grid) MarkAllDirty() {
	n := g.cols * g.rows
	for w := range g.dirty {
		g.dirty[w] = ^uint64(0)
	}
	if tail := n % 64; tail != 0 {
		g.dirty[len(g.dirty)-1] = 1<<tail - 1
	}
	g.fullRedraws++
}

func (g *Grid) ClearDirty() { clear(g.dirty) }

func (g *Grid) DirtyCount() int {
	n := 0
	for _, w := range g.dirty {
		n += bits.OnesCount64(w)
	}
	return n
}

// UpdateCursor records the cursor position and reports whether it moved.
func (g *Grid) UpdateCursor(x, y int) bool {
	if x == g.cursorX && y == g.cursorY {
		return false
	}
	g.cursorX, g.cursorY = x, y
	return true
}

func (g *Grid) CursorPosition() (x, y int) { return g.cursorX, g.cursorY }

func (g *Grid) Stats() GridStats {
	return GridStats{
		TotalCells:  g.cols * g.rows,
		DirtyCells:  g.DirtyCount(),
		FullRedraws: g.fullRedraws,
	}
}

// GetDirtyRegions returns the dirty runs in row-major order. Runs never
// wrap onto the next row.
func (g *Grid) GetDirtyRegions() []DirtyRegion {
	var regions []DirtyRegion
	for y := 0; y < g.rows; y++ {
		row := y * g.cols
		for x := 0; x < g.cols; {
			if !g.bit(row + x) {
				x++
				continue
			}
			start := x
			for x < g.cols && g.bit(row+x) {
				x++
			}
			regions = append(regions, DirtyRegion{X: start, Y: y, Width: x - start})
		}
	}
	return regions
}
