package screen

import "strings"

// Point is a screen coordinate, column x in row y.
type Point struct {
	X int
	Y int
}

type selection struct {
	start Point
	end   Point
}

// SetSelection records a selection range in screen coordinates. Start and
// end may arrive in either order; they are normalized to reading order.
func (m *Model) SetSelection(start, end Point) {
	if start.Y > end.Y || (start.Y == end.Y && start.X > end.X) {
		start, end = end, start
	}
	m.sel = &selection{start: start, end: end}
}

// ClearSelection removes any active selection.
func (m *Model) ClearSelection() { m.sel = nil }

// HasSelection reports whether a selection range is active.
func (m *Model) HasSelection() bool { return m.sel != nil }

// SelectedText extracts the text covered by the active selection, one line
// per selected row, with trailing blanks trimmed. Returns "" when no
// selection is active.
func (m *Model) SelectedText() string {
	if m.sel == nil {
		return ""
	}
	start, end := m.sel.start, m.sel.end
	if start.Y < 0 {
		start = Point{0, 0}
	}
	if end.Y >= m.rows {
		end = Point{m.cols - 1, m.rows - 1}
	}

	var lines []string
	for y := start.Y; y <= end.Y && y < m.rows; y++ {
		fromX := 0
		toX := m.cols - 1
		if y == start.Y {
			fromX = start.X
		}
		if y == end.Y {
			toX = end.X
		}
		lines = append(lines, m.rowSlice(y, fromX, toX))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) rowSlice(y, fromX, toX int) string {
	if fromX < 0 {
		fromX = 0
	}
	if toX >= m.cols {
		toX = m.cols - 1
	}
	if fromX > toX {
		return ""
	}
	row := m.row(y)[fromX : toX+1]
	end := len(row)
	for end > 0 && row[end-1].IsBlank() {
		end--
	}
	var b strings.Builder
	for _, c := range row[:end] {
		r := c.Rune
		if r == 0 {
			r = ' '
		}
		b.WriteRune(r)
	}
	return b.String()
}
