package term

import (
	"slices"
	"testing"
)

func TestNewGrid(t *testing.T) {
	tests := []struct {
		name     string
		cols     int
		rows     int
		wantCols int
		wantRows int
	}{
		{"normal", 80, 25, 80, 25},
		{"small", 10, 5, 10, 5},
		{"zero cols", 0, 25, 1, 25},
		{"zero rows", 80, 0, 80, 1},
		{"negative", -5, -10, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGrid(tt.cols, tt.rows)
			cols, rows := g.Size()
			if cols != tt.wantCols || rows != tt.wantRows {
				t.Errorf("NewGrid(%d, %d).Size() = (%d, %d), want (%d, %d)",
					tt.cols, tt.rows, cols, rows, tt.wantCols, tt.wantRows)
			}
			if g.DirtyCount() != cols*rows {
				t.Errorf("new grid has %d dirty cells, want %d", g.DirtyCount(), cols*rows)
			}
		})
	}
}

func TestGridCellAt(t *testing.T) {
	g := NewGrid(10, 10)

	if g.CellAt(5, 5) == nil {
		t.Fatalf("CellAt(5, 5) returned nil for valid coordinates")
	}
	for _, tc := range []struct{ x, y int }{{-1, 5}, {5, -1}, {10, 5}, {5, 10}} {
		if g.CellAt(tc.x, tc.y) != nil {
			t.Errorf("CellAt(%d, %d) should return nil for out of bounds", tc.x, tc.y)
		}
	}
}

func TestGridSetCellTracksChanges(t *testing.T) {
	g := NewGrid(10, 10)
	g.ClearDirty()

	if !g.SetCell(5, 5, Cell{Char: 'A', Attr: 0x07}) {
		t.Fatalf("SetCell should report the first change")
	}
	if g.SetCell(5, 5, Cell{Char: 'A', Attr: 0x07}) {
		t.Fatalf("SetCell should not report an identical write")
	}
	if !g.SetCell(5, 5, Cell{Char: 'A', Attr: 0x1f}) {
		t.Fatalf("SetCell should report an attribute change")
	}
	if !g.IsDirty(5, 5) || g.DirtyCount() != 1 {
		t.Fatalf("dirty count = %d, want only (5,5)", g.DirtyCount())
	}
	if g.SetCell(10, 0, Cell{Char: 'x'}) {
		t.Fatalf("out of bounds SetCell reported a change")
	}
}

func TestGridResizeRedraws(t *testing.T) {
	g := NewGrid(40, 25)
	g.ClearDirty()
	g.UpdateCursor(3, 3)

	g.Resize(80, 25)
	if cols, rows := g.Size(); cols != 80 || rows != 25 {
		t.Fatalf("Size = %dx%d", cols, rows)
	}
	if g.DirtyCount() != 80*25 {
		t.Fatalf("resize left %d dirty cells", g.DirtyCount())
	}
	if x, y := g.CursorPosition(); x != -1 || y != -1 {
		t.Fatalf("cursor survived resize at %d,%d", x, y)
	}
}

func TestGridCursor(t *testing.T) {
	g := NewGrid(10, 10)
	if !g.UpdateCursor(2, 3) {
		t.Fatalf("first cursor update not reported")
	}
	if g.UpdateCursor(2, 3) {
		t.Fatalf("unchanged cursor reported as moved")
	}
	if x, y := g.CursorPosition(); x != 2 || y != 3 {
		t.Fatalf("CursorPosition = %d,%d", x, y)
	}
}

func TestGridGetDirtyRegions(t *testing.T) {
	g := NewGrid(10, 3)
	g.ClearDirty()

	g.MarkDirty(1, 0)
	g.MarkDirty(2, 0)
	g.MarkDirty(3, 0)
	g.MarkDirty(9, 0)
	g.MarkDirty(0, 2)

	want := []DirtyRegion{
		{X: 1, Y: 0, Width: 3},
		{X: 9, Y: 0, Width: 1},
		{X: 0, Y: 2, Width: 1},
	}
	if got := g.GetDirtyRegions(); !slices.Equal(got, want) {
		t.Fatalf("GetDirtyRegions = %+v, want %+v", got, want)
	}
}

func TestGridStats(t *testing.T) {
	g := NewGrid(4, 2)
	g.ClearDirty()
	g.MarkDirty(0, 0)
	g.MarkAllDirty()

	stats := g.Stats()
	if stats.TotalCells != 8 || stats.DirtyCells != 8 || stats.FullRedraws != 2 {
		t.Fatalf("Stats = %+v", stats)
	}
}
