// Package classify cleans raw captured terminal text and scans it for
// error-signature blocks. Cleaning strips control sequences and prompt
// decoration; classification runs an ordered, data-driven rule list over the
// cleaned lines and extracts windowed error blocks with stable dedup keys.
package classify

import (
	"regexp"
	"strings"
)

var (
	ansiCSI      *regexp.Regexp
	ansiOSC      *regexp.Regexp
	ansiDCS      *regexp.Regexp
	ansiPM       *regexp.Regexp
	ansiAPC      *regexp.Regexp
	ansiOldTitle *regexp.Regexp
	ansiCharset  *regexp.Regexp
	ansiKeypad   *regexp.Regexp
	ansiSingle   *regexp.Regexp
	promptGlyphs *regexp.Regexp
)

func init() {
	ansiCSI = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiOSC = regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`)
	ansiDCS = regexp.MustCompile(`\x1bP.*?\x1b\\`)
	ansiPM = regexp.MustCompile(`\x1b\^.*?\x1b\\`)
	ansiAPC = regexp.MustCompile(`\x1b_.*?\x1b\\`)
	ansiOldTitle = regexp.MustCompile(`\x1bk.*?\x1b\\`)
	ansiCharset = regexp.MustCompile(`\x1b[()][0-9A-Za-z]`)
	ansiKeypad = regexp.MustCompile(`\x1b[=>]`)
	ansiSingle = regexp.MustCompile(`\x1b.`)
	// Powerline and nerd-font glyphs commonly used in shell prompts.
	promptGlyphs = regexp.MustCompile("[-]")
}

// StripANSI removes terminal control and escape sequences from s, resolves
// backspaces, and drops remaining control bytes except line breaks and tabs.
func StripANSI(s string) string {
	s = ansiCSI.ReplaceAllString(s, "")
	s = ansiOSC.ReplaceAllString(s, "")
	s = ansiDCS.ReplaceAllString(s, "")
	s = ansiPM.ReplaceAllString(s, "")
	s = ansiAPC.ReplaceAllString(s, "")
	s = ansiOldTitle.ReplaceAllString(s, "")
	s = ansiCharset.ReplaceAllString(s, "")
	s = ansiKeypad.ReplaceAllString(s, "")
	s = ansiSingle.ReplaceAllString(s, "")

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\r' {
			continue
		}
		if ch == '\b' {
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		}
		if (ch < 0x20 || ch == 0x7f) && ch != '\n' && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}

// Clean prepares raw captured output for classification: escape sequences
// and prompt glyphs are removed, indentation is preserved, and trailing
// whitespace is trimmed per line. Empty lines are kept so that blank-line
// window boundaries survive cleaning.
func Clean(raw string) string {
	cleaned := StripANSI(raw)
	cleaned = promptGlyphs.ReplaceAllString(cleaned, "")

	lines := strings.Split(cleaned, "\n")
	out := make([]string, len(lines))
	for i, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		indent := len(line) - len(trimmed)
		trimmed = strings.TrimRight(trimmed, " \t")
		if trimmed == "" {
			out[i] = ""
			continue
		}
		out[i] = strings.Repeat(" ", indent) + trimmed
	}
	return strings.Join(out, "\n")
}
