package pc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/legacypc/internal/bios"
	"github.com/tinyrange/legacypc/internal/chipset"
)

const (
	VideoFirstPort uint16 = 0x3b0
	VideoLastPort  uint16 = 0x3df

	crtcMonoIndex    uint16 = 0x3b4
	crtcMonoData     uint16 = 0x3b5
	inputStatusMono  uint16 = 0x3ba
	miscOutputRead   uint16 = 0x3cc
	crtcColorIndex   uint16 = 0x3d4
	crtcColorData    uint16 = 0x3d5
	inputStatusColor uint16 = 0x3da

	crtcCursorStart   = 0x0a
	crtcCursorEnd     = 0x0b
	crtcStartHigh     = 0x0c
	crtcStartLow      = 0x0d
	crtcCursorHigh    = 0x0e
	crtcCursorLow     = 0x0f
	crtcRegisterCount = 0x19

	cursorDisabled = 1 << 5

	// Attribute for blank cells written by mode sets.
	defaultAttribute = 0x07
)

type textMode struct {
	cols, rows int
	base       uint64
	color      bool
}

func (m textMode) pageSize() int {
	size := m.cols * m.rows * 2
	// Pages start on 2 KiB boundaries.
	return (size + 0x7ff) &^ 0x7ff
}

var textModes = map[uint8]textMode{
	0x00: {cols: 40, rows: 25, base: 0xb8000, color: true},
	0x01: {cols: 40, rows: 25, base: 0xb8000, color: true},
	0x02: {cols: 80, rows: 25, base: 0xb8000, color: true},
	0x03: {cols: 80, rows: 25, base: 0xb8000, color: true},
	0x07: {cols: 80, rows: 25, base: 0xb0000, color: false},
}

// TextCell is one character cell of the text buffer.
type TextCell struct {
	Char byte
	Attr byte
}

// TextScreen is a snapshot of the visible text page.
type TextScreen struct {
	Mode          uint8
	Cols, Rows    int
	Cells         []TextCell
	CursorRow     int
	CursorCol     int
	CursorVisible bool
}

// Cell returns the cell at row, col.
func (s TextScreen) Cell(row, col int) TextCell {
	return s.Cells[row*s.Cols+col]
}

// Video is a colour/mono text adapter: CRTC registers, the input status
// retrace toggle, and the INT 10h text services over the buffer at 0xB8000
// (0xB0000 in mode 7).
type Video struct {
	chipset.BaseDevice

	mu      sync.Mutex
	host    chipset.Host
	logger  *slog.Logger
	modeNum uint8
	mode    textMode
	page    uint8

	crtcIndex byte
	crtc      [crtcRegisterCount]byte
	retrace   bool
}

func NewVideo() *Video {
	v := &Video{
		logger:  slog.Default(),
		modeNum: 0x03,
		mode:    textModes[0x03],
	}
	v.crtc[crtcCursorStart] = 0x06
	v.crtc[crtcCursorEnd] = 0x07
	return v
}

func (v *Video) Name() string { return "video" }

func (v *Video) Ports() chipset.PortRange { return chipset.Ports(VideoFirstPort, VideoLastPort) }

func (v *Video) Init(host chipset.Host) error {
	v.host = host
	v.logger = host.Logger().With("device", v.Name())
	return nil
}

// ReadIOPort implements chipset.Device.
func (v *Video) ReadIOPort(port uint16, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	chipset.FloatingBus(data)
	switch port {
	case crtcColorIndex, crtcMonoIndex:
		data[0] = v.crtcIndex
	case crtcColorData, crtcMonoData:
		if int(v.crtcIndex) < len(v.crtc) {
			data[0] = v.crtc[v.crtcIndex]
		}
	case inputStatusColor, inputStatusMono:
		// Alternate between display and retrace so polling loops finish.
		v.retrace = !v.retrace
		if v.retrace {
			data[0] = 0x09
		} else {
			data[0] = 0x00
		}
	case miscOutputRead:
		if v.mode.color {
			data[0] = 0x67
		} else {
			data[0] = 0x66
		}
	}
	return nil
}

// WriteIOPort implements chipset.Device.
func (v *Video) WriteIOPort(port uint16, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch port {
	case crtcColorIndex, crtcMonoIndex:
		v.crtcIndex = data[0]
		// A word write to the index port also carries the data byte.
		if len(data) > 1 && int(v.crtcIndex) < len(v.crtc) {
			v.crtc[v.crtcIndex] = data[1]
		}
	case crtcColorData, crtcMonoData:
		if int(v.crtcIndex) < len(v.crtc) {
			v.crtc[v.crtcIndex] = data[0]
		}
	default:
		v.logger.Debug("ignoring video register write", "port", fmt.Sprintf("0x%03x", port), "value", data[0])
	}
	return nil
}

func (v *Video) bda() bios.BDA { return bios.NewBDA(v.host.Memory()) }

func (v *Video) pageAddr(page uint8) uint64 {
	return v.mode.base + uint64(page)*uint64(v.mode.pageSize())
}

func (v *Video) loadPageLocked(page uint8) ([]byte, error) {
	buf := make([]byte, v.mode.cols*v.mode.rows*2)
	if _, err := v.host.Memory().ReadAt(buf, int64(v.pageAddr(page))); err != nil {
		return nil, fmt.Errorf("video: read page %d: %w", page, err)
	}
	return buf, nil
}

func (v *Video) storePageLocked(page uint8, buf []byte) error {
	if _, err := v.host.Memory().WriteAt(buf, int64(v.pageAddr(page))); err != nil {
		return fmt.Errorf("video: write page %d: %w", page, err)
	}
	return nil
}

func (v *Video) cellOffset(row, col int) int { return (row*v.mode.cols + col) * 2 }

func (v *Video) crtcWord(hi, lo int) int { return int(v.crtc[hi])<<8 | int(v.crtc[lo]) }

func (v *Video) setCRTCWord(hi, lo int, value int) {
	v.crtc[hi] = byte(value >> 8)
	v.crtc[lo] = byte(value)
}

// Screen returns a snapshot of the active page.
func (v *Video) Screen() (TextScreen, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	start := v.crtcWord(crtcStartHigh, crtcStartLow)
	buf := make([]byte, v.mode.cols*v.mode.rows*2)
	if _, err := v.host.Memory().ReadAt(buf, int64(v.mode.base)+int64(start*2)); err != nil {
		return TextScreen{}, fmt.Errorf("video: read text buffer: %w", err)
	}
	screen := TextScreen{
		Mode:  v.modeNum,
		Cols:  v.mode.cols,
		Rows:  v.mode.rows,
		Cells: make([]TextCell, v.mode.cols*v.mode.rows),
	}
	for i := range screen.Cells {
		screen.Cells[i] = TextCell{Char: buf[2*i], Attr: buf[2*i+1]}
	}
	rel := v.crtcWord(crtcCursorHigh, crtcCursorLow) - start
	if rel >= 0 && rel < len(screen.Cells) {
		screen.CursorRow = rel / v.mode.cols
		screen.CursorCol = rel % v.mode.cols
		screen.CursorVisible = v.crtc[crtcCursorStart]&cursorDisabled == 0
	}
	return screen, nil
}

// INT 10h functions.
const (
	videoSetMode        = 0x00
	videoSetCursorShape = 0x01
	videoSetCursorPos   = 0x02
	videoGetCursorPos   = 0x03
	videoSetActivePage  = 0x05
	videoScrollUp       = 0x06
	videoScrollDown     = 0x07
	videoReadCharAttr   = 0x08
	videoWriteCharAttr  = 0x09
	videoWriteChar      = 0x0a
	videoTeletype       = 0x0e
	videoGetMode        = 0x0f
	videoSubsystem      = 0x12
	videoWriteString    = 0x13
)

// BIOSCall serves INT 10h. Unsupported functions are logged and return
// without touching the registers.
func (v *Video) BIOSCall(_ context.Context, call *chipset.BIOSCall) error {
	regs := call.Regs
	fn := bios.FunctionNumber(call.Function)

	v.mu.Lock()
	defer v.mu.Unlock()

	switch fn {
	case videoSetMode:
		return v.setModeLocked(regs.AL())

	case videoSetCursorShape:
		v.crtc[crtcCursorStart] = regs.CH() & 0x3f
		v.crtc[crtcCursorEnd] = regs.CL() & 0x1f
		return v.bda().SetWord(bios.BDACursorShape, regs.CX())

	case videoSetCursorPos:
		return v.setCursorLocked(regs.BH(), int(regs.DH()), int(regs.DL()))

	case videoGetCursorPos:
		row, col, err := v.bda().CursorPosition(regs.BH() & 7)
		if err != nil {
			return err
		}
		shape, err := v.bda().Word(bios.BDACursorShape)
		if err != nil {
			return err
		}
		regs.SetDH(row)
		regs.SetDL(col)
		regs.SetCX(shape)

	case videoSetActivePage:
		return v.setPageLocked(regs.AL())

	case videoScrollUp, videoScrollDown:
		return v.scrollLocked(fn == videoScrollUp, int(regs.AL()), regs.BH(),
			int(regs.CH()), int(regs.CL()), int(regs.DH()), int(regs.DL()))

	case videoReadCharAttr:
		page := regs.BH() & 7
		row, col, err := v.bda().CursorPosition(page)
		if err != nil {
			return err
		}
		buf, err := v.loadPageLocked(page)
		if err != nil {
			return err
		}
		off := v.cellOffset(int(row), int(col))
		regs.SetAL(buf[off])
		regs.SetAH(buf[off+1])

	case videoWriteCharAttr, videoWriteChar:
		return v.writeRepeatedLocked(regs.BH()&7, regs.AL(), regs.BL(), int(regs.CX()), fn == videoWriteCharAttr)

	case videoTeletype:
		return v.teletypeLocked(v.page, regs.AL())

	case videoGetMode:
		regs.SetAH(uint8(v.mode.cols))
		regs.SetAL(v.modeNum)
		regs.SetBH(v.page)

	case videoSubsystem:
		if regs.BL() != 0x10 {
			v.logger.Debug("INT 10h AH=12h subfunction not implemented", "bl", fmt.Sprintf("0x%02x", regs.BL()))
			return nil
		}
		if v.mode.color {
			regs.SetBH(0)
		} else {
			regs.SetBH(1)
		}
		regs.SetBL(3)
		regs.SetCX(0)

	case videoWriteString:
		return v.writeStringLocked(regs.AL(), regs.BH()&7, regs.BL(), int(regs.CX()),
			int(regs.DH()), int(regs.DL()), regs.ES.Base+uint64(regs.BP()))

	default:
		v.logger.Debug("INT 10h function not implemented", "function", fmt.Sprintf("0x%02x", fn))
	}
	return nil
}

func (v *Video) setModeLocked(al uint8) error {
	modeNum := al & 0x7f
	mode, ok := textModes[modeNum]
	if !ok {
		v.logger.Debug("unsupported video mode", "mode", fmt.Sprintf("0x%02x", modeNum))
		return nil
	}
	v.modeNum = modeNum
	v.mode = mode
	v.page = 0
	v.setCRTCWord(crtcStartHigh, crtcStartLow, 0)
	v.setCRTCWord(crtcCursorHigh, crtcCursorLow, 0)

	if al&0x80 == 0 {
		blank := make([]byte, mode.pageSize()*8)
		for i := 0; i < len(blank); i += 2 {
			blank[i] = ' '
			blank[i+1] = defaultAttribute
		}
		if _, err := v.host.Memory().WriteAt(blank, int64(mode.base)); err != nil {
			return fmt.Errorf("video: clear text buffer: %w", err)
		}
	}

	crtcBase := crtcMonoIndex
	if mode.color {
		crtcBase = crtcColorIndex
	}
	bda := v.bda()
	fields := []bdaField{
		{bios.BDAVideoMode, uint16(modeNum), false},
		{bios.BDAColumns, uint16(mode.cols), true},
		{bios.BDAPageSize, uint16(mode.pageSize()), true},
		{bios.BDAPageOffset, 0, true},
		{bios.BDAActivePage, 0, false},
		{bios.BDARows, uint16(mode.rows - 1), false},
		{bios.BDACursorShape, 0x0607, true},
		{bios.BDACRTCBase, crtcBase, true},
	}
	for _, f := range fields {
		if err := f.store(bda); err != nil {
			return err
		}
	}
	for page := uint8(0); page < 8; page++ {
		if err := bda.SetCursorPosition(page, 0, 0); err != nil {
			return err
		}
	}
	v.logger.Debug("video mode set", "mode", modeNum, "cols", mode.cols, "rows", mode.rows)
	return nil
}

type bdaField struct {
	off   int
	value uint16
	wide  bool
}

func (f bdaField) store(bda bios.BDA) error {
	if f.wide {
		return bda.SetWord(f.off, f.value)
	}
	return bda.SetByte(f.off, uint8(f.value))
}

func (v *Video) clampPosition(row, col int) (int, int) {
	return min(max(row, 0), v.mode.rows-1), min(max(col, 0), v.mode.cols-1)
}

func (v *Video) setCursorLocked(page uint8, row, col int) error {
	page &= 7
	row, col = v.clampPosition(row, col)
	if err := v.bda().SetCursorPosition(page, uint8(row), uint8(col)); err != nil {
		return err
	}
	if page == v.page {
		start := v.crtcWord(crtcStartHigh, crtcStartLow)
		v.setCRTCWord(crtcCursorHigh, crtcCursorLow, start+row*v.mode.cols+col)
	}
	return nil
}

func (v *Video) setPageLocked(page uint8) error {
	if page > 7 {
		v.logger.Debug("invalid video page", "page", page)
		return nil
	}
	v.page = page
	offset := int(page) * v.mode.pageSize()
	v.setCRTCWord(crtcStartHigh, crtcStartLow, offset/2)
	bda := v.bda()
	if err := bda.SetByte(bios.BDAActivePage, page); err != nil {
		return err
	}
	if err := bda.SetWord(bios.BDAPageOffset, uint16(offset)); err != nil {
		return err
	}
	row, col, err := bda.CursorPosition(page)
	if err != nil {
		return err
	}
	return v.setCursorLocked(page, int(row), int(col))
}

// scrollLocked moves the window rows up or down by lines, blanking the
// vacated rows with attr. lines == 0 blanks the whole window.
func (v *Video) scrollLocked(up bool, lines int, attr uint8, top, left, bottom, right int) error {
	top, left = v.clampPosition(top, left)
	bottom, right = v.clampPosition(bottom, right)
	if top > bottom || left > right {
		return nil
	}
	height := bottom - top + 1
	if lines == 0 || lines > height {
		lines = height
	}

	buf, err := v.loadPageLocked(v.page)
	if err != nil {
		return err
	}
	width := (right - left + 1) * 2
	copyRow := func(dst, src int) {
		copy(buf[v.cellOffset(dst, left):v.cellOffset(dst, left)+width], buf[v.cellOffset(src, left):v.cellOffset(src, left)+width])
	}
	blankRow := func(row int) {
		for col := left; col <= right; col++ {
			off := v.cellOffset(row, col)
			buf[off] = ' '
			buf[off+1] = attr
		}
	}

	if up {
		for row := top; row+lines <= bottom; row++ {
			copyRow(row, row+lines)
		}
		for row := bottom - lines + 1; row <= bottom; row++ {
			blankRow(row)
		}
	} else {
		for row := bottom; row-lines >= top; row-- {
			copyRow(row, row-lines)
		}
		for row := top; row < top+lines; row++ {
			blankRow(row)
		}
	}
	return v.storePageLocked(v.page, buf)
}

func (v *Video) writeRepeatedLocked(page, ch, attr uint8, count int, withAttr bool) error {
	row, col, err := v.bda().CursorPosition(page)
	if err != nil {
		return err
	}
	buf, err := v.loadPageLocked(page)
	if err != nil {
		return err
	}
	off := v.cellOffset(int(row), int(col))
	for i := 0; i < count && off+1 < len(buf); i++ {
		buf[off] = ch
		if withAttr {
			buf[off+1] = attr
		}
		off += 2
	}
	return v.storePageLocked(page, buf)
}

// teletypeLocked writes ch at the cursor and advances it, interpreting BEL,
// BS, CR and LF and scrolling at the bottom of the page.
func (v *Video) teletypeLocked(page, ch uint8) error {
	r, c, err := v.bda().CursorPosition(page)
	if err != nil {
		return err
	}
	row, col := int(r), int(c)

	switch ch {
	case 0x07:
		return nil
	case 0x08:
		if col > 0 {
			col--
		}
	case '\r':
		col = 0
	case '\n':
		row++
	default:
		buf, err := v.loadPageLocked(page)
		if err != nil {
			return err
		}
		buf[v.cellOffset(row, col)] = ch
		if err := v.storePageLocked(page, buf); err != nil {
			return err
		}
		col++
		if col >= v.mode.cols {
			col = 0
			row++
		}
	}

	if row >= v.mode.rows {
		attr, err := v.attributeAtLocked(page, v.mode.rows-1, 0)
		if err != nil {
			return err
		}
		if err := v.scrollLocked(true, 1, attr, 0, 0, v.mode.rows-1, v.mode.cols-1); err != nil {
			return err
		}
		row = v.mode.rows - 1
	}
	return v.setCursorLocked(page, row, col)
}

func (v *Video) attributeAtLocked(page uint8, row, col int) (uint8, error) {
	var b [1]byte
	addr := v.pageAddr(page) + uint64(v.cellOffset(row, col)) + 1
	if _, err := v.host.Memory().ReadAt(b[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("video: read attribute: %w", err)
	}
	return b[0], nil
}

// writeStringLocked implements INT 10h AH=13h. Bit 0 of flags moves the
// cursor; bit 1 means the string interleaves characters and attributes.
func (v *Video) writeStringLocked(flags, page, attr uint8, count, row, col int, addr uint64) error {
	stride := 1
	if flags&0x02 != 0 {
		stride = 2
	}
	str := make([]byte, count*stride)
	if _, err := v.host.Memory().ReadAt(str, int64(addr)); err != nil {
		return fmt.Errorf("video: read string at 0x%05x: %w", addr, err)
	}

	saveRow, saveCol, err := v.bda().CursorPosition(page)
	if err != nil {
		return err
	}
	if err := v.setCursorLocked(page, row, col); err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		ch := str[i*stride]
		a := attr
		if stride == 2 {
			a = str[i*stride+1]
		}
		if ch >= 0x20 {
			r, c, err := v.bda().CursorPosition(page)
			if err != nil {
				return err
			}
			buf, err := v.loadPageLocked(page)
			if err != nil {
				return err
			}
			buf[v.cellOffset(int(r), int(c))+1] = a
			if err := v.storePageLocked(page, buf); err != nil {
				return err
			}
		}
		if err := v.teletypeLocked(page, ch); err != nil {
			return err
		}
	}
	if flags&0x01 == 0 {
		return v.setCursorLocked(page, int(saveRow), int(saveCol))
	}
	return nil
}

var _ chipset.Device = (*Video)(nil)
