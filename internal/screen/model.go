// Package screen implements a cell-grid terminal screen model fed by a raw
// byte stream. The model is a pure state machine: it performs no I/O and is
// mutated only by the control-sequence decoder, one decoded instruction at a
// time. Callers that share a Model across goroutines must serialize access.
package screen

import "strings"

// Model is a cols x rows grid of cells plus cursor, pen style and scrollback.
type Model struct {
	cols int
	rows int

	cells  []Cell
	curX   int
	curY   int
	pen    Cell
	sback  *Scrollback
	tabs   int // tab stop width

	// decoder state
	state   decodeState
	seq     []byte
	oscEsc  bool
	utf8Buf []byte

	savedX int
	savedY int

	sel *selection
}

// NewModel creates a screen model of the given size with the given
// scrollback capacity (0 means DefaultScrollbackLines).
func NewModel(cols, rows, scrollbackLines int) *Model {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	m := &Model{
		cols:  cols,
		rows:  rows,
		cells: make([]Cell, cols*rows),
		pen:   blankCell,
		sback: NewScrollback(scrollbackLines),
		tabs:  8,
	}
	m.clearRegion(0, cols*rows)
	return m
}

// Size returns the current grid dimensions.
func (m *Model) Size() (cols, rows int) { return m.cols, m.rows }

// CursorPosition returns the cursor column and row (0-based).
func (m *Model) CursorPosition() (x, y int) { return m.curX, m.curY }

// Write feeds raw bytes into the decoder. It always consumes the whole
// chunk; malformed sequences are discarded without corrupting later input.
func (m *Model) Write(p []byte) (int, error) {
	for _, b := range p {
		m.step(b)
	}
	return len(p), nil
}

// Reset restores the model to its initial state, clearing the grid, pen,
// cursor and decoder state. Scrollback is preserved.
func (m *Model) Reset() {
	m.pen = blankCell
	m.curX, m.curY = 0, 0
	m.savedX, m.savedY = 0, 0
	m.state = stateGround
	m.seq = m.seq[:0]
	m.utf8Buf = m.utf8Buf[:0]
	m.sel = nil
	m.clearRegion(0, m.cols*m.rows)
}

// Resize changes the grid dimensions. Content that fits within the new
// bounds is preserved; rows pushed off the top by a shrink go to scrollback.
// The cursor is clamped into the new bounds.
func (m *Model) Resize(cols, rows int) {
	if cols <= 0 || rows <= 0 || (cols == m.cols && rows == m.rows) {
		return
	}

	// Shrinking vertically: move overflow rows (topmost first) to scrollback.
	if rows < m.rows {
		drop := m.rows - rows
		// Keep the cursor visible: prefer dropping rows above it.
		if m.curY < drop {
			drop = m.curY
		}
		for y := 0; y < drop; y++ {
			m.sback.Push(m.row(y))
		}
		rest := make([]Cell, 0, m.cols*(m.rows-drop))
		rest = append(rest, m.cells[drop*m.cols:]...)
		m.cells = rest
		m.rows -= drop
		m.curY -= drop
	}

	next := make([]Cell, cols*rows)
	for i := range next {
		next[i] = blankCell
	}
	copyRows := m.rows
	if rows < copyRows {
		copyRows = rows
	}
	copyCols := m.cols
	if cols < copyCols {
		copyCols = cols
	}
	for y := 0; y < copyRows; y++ {
		copy(next[y*cols:y*cols+copyCols], m.cells[y*m.cols:y*m.cols+copyCols])
	}

	m.cells = next
	m.cols = cols
	m.rows = rows
	if m.curX >= cols {
		m.curX = cols - 1
	}
	if m.curY >= rows {
		m.curY = rows - 1
	}
	m.sel = nil
}

// RenderRows returns a copy of every visible row. Callers must not assume
// the returned slices alias the live grid.
func (m *Model) RenderRows() [][]Cell {
	out := make([][]Cell, m.rows)
	for y := 0; y < m.rows; y++ {
		row := make([]Cell, m.cols)
		copy(row, m.row(y))
		out[y] = row
	}
	return out
}

// RowString returns the text of one visible row with trailing blanks trimmed.
func (m *Model) RowString(y int) string {
	if y < 0 || y >= m.rows {
		return ""
	}
	row := m.row(y)
	end := len(row)
	for end > 0 && row[end-1].IsBlank() {
		end--
	}
	var b strings.Builder
	b.Grow(end)
	for _, c := range row[:end] {
		r := c.Rune
		if r == 0 {
			r = ' '
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ScrollbackLen returns the number of lines held in scrollback.
func (m *Model) ScrollbackLen() int { return m.sback.Len() }

// ScrollbackLine returns scrollback line index (0 = oldest), or nil.
func (m *Model) ScrollbackLine(index int) []Cell { return m.sback.Line(index) }

// ClearScrollback discards the scrollback contents.
func (m *Model) ClearScrollback() { m.sback.Clear() }

func (m *Model) row(y int) []Cell {
	return m.cells[y*m.cols : (y+1)*m.cols]
}

func (m *Model) cellIndex(x, y int) int { return y*m.cols + x }

func (m *Model) clearRegion(start, end int) {
	if start < 0 {
		start = 0
	}
	if end > len(m.cells) {
		end = len(m.cells)
	}
	for i := start; i < end; i++ {
		m.cells[i] = blankCell
	}
}

// scrollUp moves the screen content up n lines, pushing the evicted top
// lines into scrollback and blanking the freed bottom lines.
func (m *Model) scrollUp(n int) {
	if n <= 0 {
		return
	}
	if n > m.rows {
		n = m.rows
	}
	for y := 0; y < n; y++ {
		m.sback.Push(m.row(y))
	}
	copy(m.cells, m.cells[n*m.cols:])
	m.clearRegion((m.rows-n)*m.cols, m.rows*m.cols)
}

// scrollDown moves the screen content down n lines, blanking the top.
func (m *Model) scrollDown(n int) {
	if n <= 0 {
		return
	}
	if n > m.rows {
		n = m.rows
	}
	copy(m.cells[n*m.cols:], m.cells[:(m.rows-n)*m.cols])
	m.clearRegion(0, n*m.cols)
}

func (m *Model) writeRune(r rune) {
	if m.curX >= m.cols {
		// Deferred wrap: the previous write filled the line.
		m.curX = 0
		m.linefeed()
	}
	c := m.pen
	c.Rune = r
	m.cells[m.cellIndex(m.curX, m.curY)] = c
	m.curX++
}

func (m *Model) linefeed() {
	if m.curY == m.rows-1 {
		m.scrollUp(1)
		return
	}
	m.curY++
}

func (m *Model) reverseIndex() {
	if m.curY == 0 {
		m.scrollDown(1)
		return
	}
	m.curY--
}

func (m *Model) carriageReturn() { m.curX = 0 }

func (m *Model) backspace() {
	if m.curX > 0 {
		m.curX--
	}
}

func (m *Model) horizontalTab() {
	next := (m.curX/m.tabs + 1) * m.tabs
	if next >= m.cols {
		next = m.cols - 1
	}
	m.curX = next
}

// moveCursor moves the cursor relative to its position, clamped to bounds.
func (m *Model) moveCursor(dx, dy int) {
	m.setCursor(m.curX+dx, m.curY+dy)
}

// setCursor places the cursor absolutely, clamped to bounds.
func (m *Model) setCursor(x, y int) {
	if x < 0 {
		x = 0
	}
	if x >= m.cols {
		x = m.cols - 1
	}
	if y < 0 {
		y = 0
	}
	if y >= m.rows {
		y = m.rows - 1
	}
	m.curX, m.curY = x, y
}
