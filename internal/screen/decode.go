package screen

import "unicode/utf8"

// decodeState identifies the decoder's current accumulation mode.
type decodeState int

const (
	stateGround decodeState = iota
	stateEscape
	stateCSI
	stateOSC
	stateCharset
)

// maxSeqLen bounds sequence accumulation. An overlong sequence is treated as
// malformed: the buffer is dropped and the decoder resynchronizes on the
// next byte. This guarantees progress on arbitrary input.
const maxSeqLen = 128

const (
	ctrlBEL = 0x07
	ctrlBS  = 0x08
	ctrlHT  = 0x09
	ctrlLF  = 0x0a
	ctrlVT  = 0x0b
	ctrlFF  = 0x0c
	ctrlCR  = 0x0d
	ctrlESC = 0x1b
)

// step consumes one input byte and applies at most one discrete effect.
func (m *Model) step(b byte) {
	switch m.state {
	case stateGround:
		m.stepGround(b)
	case stateEscape:
		m.stepEscape(b)
	case stateCSI:
		m.stepCSI(b)
	case stateOSC:
		m.stepOSC(b)
	case stateCharset:
		// Charset designation: single payload byte, ignored.
		m.state = stateGround
	}
}

func (m *Model) stepGround(b byte) {
	switch {
	case b == ctrlESC:
		m.utf8Buf = m.utf8Buf[:0]
		m.state = stateEscape
	case b == ctrlBEL:
		// Bell: ignored.
	case b == ctrlBS:
		m.backspace()
	case b == ctrlHT:
		m.horizontalTab()
	case b == ctrlLF, b == ctrlVT, b == ctrlFF:
		m.linefeed()
	case b == ctrlCR:
		m.carriageReturn()
	case b < 0x20 || b == 0x7f:
		// Remaining C0 controls and DEL: ignored.
	default:
		m.stepPrintable(b)
	}
}

// stepPrintable accumulates UTF-8 continuation bytes and writes complete
// runes to the grid. Invalid encodings degrade to one replacement glyph per
// offending byte rather than stalling the decoder.
func (m *Model) stepPrintable(b byte) {
	m.utf8Buf = append(m.utf8Buf, b)
	if !utf8.FullRune(m.utf8Buf) {
		if len(m.utf8Buf) >= utf8.UTFMax {
			m.utf8Buf = m.utf8Buf[:0]
			m.writeRune(utf8.RuneError)
		}
		return
	}
	r, size := utf8.DecodeRune(m.utf8Buf)
	rest := m.utf8Buf[size:]
	m.utf8Buf = m.utf8Buf[:0]
	m.writeRune(r)
	for _, extra := range rest {
		m.stepPrintable(extra)
	}
}

func (m *Model) stepEscape(b byte) {
	switch b {
	case '[':
		m.seq = m.seq[:0]
		m.state = stateCSI
	case ']':
		m.seq = m.seq[:0]
		m.oscEsc = false
		m.state = stateOSC
	case '(', ')':
		m.state = stateCharset
	case 'c': // RIS: full reset
		m.Reset()
	case 'D': // IND
		m.linefeed()
		m.state = stateGround
	case 'M': // RI
		m.reverseIndex()
		m.state = stateGround
	case 'E': // NEL
		m.carriageReturn()
		m.linefeed()
		m.state = stateGround
	case '7': // DECSC
		m.savedX, m.savedY = m.curX, m.curY
		m.state = stateGround
	case '8': // DECRC
		m.setCursor(m.savedX, m.savedY)
		m.state = stateGround
	case ctrlESC:
		// Restart: stay in escape state.
	default:
		// Unrecognized escape: discard.
		m.state = stateGround
	}
}

func (m *Model) stepCSI(b byte) {
	switch {
	case b >= 0x40 && b <= 0x7e:
		m.dispatchCSI(b)
		m.seq = m.seq[:0]
		m.state = stateGround
	case b == ctrlESC:
		// Truncated sequence: resynchronize on the fresh escape.
		m.seq = m.seq[:0]
		m.state = stateEscape
	case b >= 0x20 && b <= 0x3f:
		if len(m.seq) >= maxSeqLen {
			m.seq = m.seq[:0]
			m.state = stateGround
			return
		}
		m.seq = append(m.seq, b)
	case b == ctrlLF, b == ctrlVT, b == ctrlFF:
		// Controls embedded in a sequence still take effect.
		m.linefeed()
	case b == ctrlCR:
		m.carriageReturn()
	case b == ctrlBS:
		m.backspace()
	default:
		// Invalid byte inside CSI: abort the sequence.
		m.seq = m.seq[:0]
		m.state = stateGround
	}
}

func (m *Model) stepOSC(b byte) {
	switch {
	case b == ctrlBEL:
		m.seq = m.seq[:0]
		m.state = stateGround
	case m.oscEsc && b == '\\':
		m.seq = m.seq[:0]
		m.state = stateGround
	case m.oscEsc:
		// ESC followed by something other than ST restarts escape handling.
		m.oscEsc = false
		m.seq = m.seq[:0]
		m.state = stateEscape
		m.stepEscape(b)
	case b == ctrlESC:
		m.oscEsc = true
	default:
		if len(m.seq) >= maxSeqLen {
			// Overlong OSC payload (title strings etc.): stop buffering but
			// keep consuming until the terminator.
			return
		}
		m.seq = append(m.seq, b)
	}
}

// csiParams parses the accumulated parameter bytes, skipping a leading
// private-mode marker. Missing parameters default to def.
func (m *Model) csiParams(def int) []int {
	seq := m.seq
	if len(seq) > 0 && (seq[0] == '?' || seq[0] == '>' || seq[0] == '!') {
		seq = seq[1:]
	}
	params := []int{}
	cur := 0
	has := false
	for _, b := range seq {
		switch {
		case b >= '0' && b <= '9':
			cur = cur*10 + int(b-'0')
			has = true
		case b == ';' || b == ':':
			if !has {
				cur = def
			}
			params = append(params, cur)
			cur = 0
			has = false
		default:
			// Intermediate bytes: stop parameter parsing.
		}
	}
	if !has {
		cur = def
	}
	params = append(params, cur)
	return params
}

func (m *Model) csiPrivate() bool {
	return len(m.seq) > 0 && m.seq[0] == '?'
}

func param(params []int, i, def int) int {
	if i >= len(params) || params[i] == 0 {
		// Zero and absent both mean the default for cursor-movement counts.
		return def
	}
	return params[i]
}

func (m *Model) dispatchCSI(final byte) {
	if m.csiPrivate() {
		// DEC private modes (cursor visibility, alt screen, mouse...) are
		// acknowledged but not modeled.
		return
	}
	params := m.csiParams(0)

	switch final {
	case 'A':
		m.moveCursor(0, -param(params, 0, 1))
	case 'B', 'e':
		m.moveCursor(0, param(params, 0, 1))
	case 'C', 'a':
		m.moveCursor(param(params, 0, 1), 0)
	case 'D':
		m.moveCursor(-param(params, 0, 1), 0)
	case 'E':
		m.moveCursor(0, param(params, 0, 1))
		m.carriageReturn()
	case 'F':
		m.moveCursor(0, -param(params, 0, 1))
		m.carriageReturn()
	case 'G', '`':
		m.setCursor(param(params, 0, 1)-1, m.curY)
	case 'H', 'f':
		m.setCursor(param(params, 1, 1)-1, param(params, 0, 1)-1)
	case 'd':
		m.setCursor(m.curX, param(params, 0, 1)-1)
	case 'J':
		m.eraseDisplay(param(params, 0, 0))
	case 'K':
		m.eraseLine(param(params, 0, 0))
	case 'S':
		m.scrollUp(param(params, 0, 1))
	case 'T':
		m.scrollDown(param(params, 0, 1))
	case 'm':
		m.applySGR(params)
	default:
		// Unhandled finals (DSR, DECSTBM, ICH...) are discarded.
	}
}

func (m *Model) eraseDisplay(mode int) {
	switch mode {
	case 0:
		m.clearRegion(m.cellIndex(m.curX, m.curY), m.cols*m.rows)
	case 1:
		m.clearRegion(0, m.cellIndex(m.curX, m.curY)+1)
	case 2:
		m.clearRegion(0, m.cols*m.rows)
	case 3:
		m.clearRegion(0, m.cols*m.rows)
		m.sback.Clear()
	}
}

func (m *Model) eraseLine(mode int) {
	base := m.curY * m.cols
	switch mode {
	case 0:
		m.clearRegion(base+m.curX, base+m.cols)
	case 1:
		m.clearRegion(base, base+m.curX+1)
	case 2:
		m.clearRegion(base, base+m.cols)
	}
}

func (m *Model) applySGR(params []int) {
	for i := 0; i < len(params); i++ {
		p := params[i]
		switch {
		case p == 0:
			m.pen = blankCell
		case p == 1:
			m.pen.Attr |= AttrBold
		case p == 3:
			m.pen.Attr |= AttrItalic
		case p == 4:
			m.pen.Attr |= AttrUnderline
		case p == 7:
			m.pen.Attr |= AttrReverse
		case p == 9:
			m.pen.Attr |= AttrStrike
		case p == 22:
			m.pen.Attr &^= AttrBold
		case p == 23:
			m.pen.Attr &^= AttrItalic
		case p == 24:
			m.pen.Attr &^= AttrUnderline
		case p == 27:
			m.pen.Attr &^= AttrReverse
		case p == 29:
			m.pen.Attr &^= AttrStrike
		case p >= 30 && p <= 37:
			m.pen.FG = Color(p - 30)
		case p == 38:
			i += m.extendedColor(params[i+1:], &m.pen.FG)
		case p == 39:
			m.pen.FG = ColorDefault
		case p >= 40 && p <= 47:
			m.pen.BG = Color(p - 40)
		case p == 48:
			i += m.extendedColor(params[i+1:], &m.pen.BG)
		case p == 49:
			m.pen.BG = ColorDefault
		case p >= 90 && p <= 97:
			m.pen.FG = Color(p - 90 + 8)
		case p >= 100 && p <= 107:
			m.pen.BG = Color(p - 100 + 8)
		}
	}
}

// extendedColor handles SGR 38/48 sub-parameters and returns how many were
// consumed. Truecolor (mode 2) is clamped out; only the 256-color form sets
// the pen.
func (m *Model) extendedColor(rest []int, target *Color) int {
	if len(rest) == 0 {
		return 0
	}
	switch rest[0] {
	case 5:
		if len(rest) >= 2 {
			v := rest[1]
			if v >= 0 && v <= 255 {
				*target = Color(v)
			}
			return 2
		}
		return 1
	case 2:
		// 38;2;r;g;b is consumed but not representable in the palette model.
		if len(rest) >= 4 {
			return 4
		}
		return len(rest)
	}
	return 0
}
