package screen

// Color is a terminal palette color. Values 0-255 index the xterm palette;
// ColorDefault means the terminal's configured foreground/background.
type Color int16

// ColorDefault selects the terminal default color.
const ColorDefault Color = -1

// Attr is a bit set of text style attributes.
type Attr uint8

const (
	AttrBold Attr = 1 << iota
	AttrItalic
	AttrUnderline
	AttrReverse
	AttrStrike
)

// Cell is one character position on the screen: a glyph plus its style.
type Cell struct {
	Rune rune
	FG   Color
	BG   Color
	Attr Attr
}

// blankCell is the value written by clear operations.
var blankCell = Cell{Rune: ' ', FG: ColorDefault, BG: ColorDefault}

// IsBlank reports whether the cell holds an unstyled space or was never written.
func (c Cell) IsBlank() bool {
	return (c.Rune == ' ' || c.Rune == 0) && c.FG == ColorDefault && c.BG == ColorDefault && c.Attr == 0
}
