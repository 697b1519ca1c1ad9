package screen

// Scrollback stores lines that have scrolled off the top of the visible
// screen in a fixed-capacity ring. The oldest line is overwritten when the
// ring is full.
type Scrollback struct {
	lines    [][]Cell
	maxLines int
	head     int
	tail     int
	full     bool
}

// DefaultScrollbackLines is the scrollback capacity used when none is given.
const DefaultScrollbackLines = 10000

// NewScrollback creates a scrollback ring holding up to maxLines lines.
func NewScrollback(maxLines int) *Scrollback {
	if maxLines <= 0 {
		maxLines = DefaultScrollbackLines
	}
	return &Scrollback{
		lines:    make([][]Cell, maxLines),
		maxLines: maxLines,
	}
}

// Push appends one line, evicting the oldest when at capacity.
// The line is copied to avoid aliasing the caller's grid.
func (sb *Scrollback) Push(line []Cell) {
	if len(line) == 0 || sb.maxLines <= 0 {
		return
	}
	lineCopy := make([]Cell, len(line))
	copy(lineCopy, line)

	sb.lines[sb.tail] = lineCopy
	sb.tail = (sb.tail + 1) % sb.maxLines
	if sb.full {
		sb.head = (sb.head + 1) % sb.maxLines
	}
	if sb.tail == sb.head {
		sb.full = true
	}
}

// Len returns the number of stored lines.
func (sb *Scrollback) Len() int {
	if sb.maxLines <= 0 {
		return 0
	}
	if sb.full {
		return sb.maxLines
	}
	if sb.tail >= sb.head {
		return sb.tail - sb.head
	}
	return sb.maxLines - sb.head + sb.tail
}

// Line returns the stored line at index (0 = oldest), or nil out of range.
func (sb *Scrollback) Line(index int) []Cell {
	if index < 0 || index >= sb.Len() {
		return nil
	}
	return sb.lines[(sb.head+index)%sb.maxLines]
}

// Clear discards all stored lines.
func (sb *Scrollback) Clear() {
	sb.head = 0
	sb.tail = 0
	sb.full = false
	for i := range sb.lines {
		sb.lines[i] = nil
	}
}

// MaxLines returns the ring capacity.
func (sb *Scrollback) MaxLines() int { return sb.maxLines }
