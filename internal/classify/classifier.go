package classify

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// contextLines is how many lines preceding a marker hit are prepended to the
// extracted block.
const contextLines = 5

// ErrorEvent is one detected error block.
type ErrorEvent struct {
	Rule      string
	Block     string
	Key       string
	Timestamp time.Time
}

// Classifier scans cleaned text for blocks matching its rule list and
// suppresses a block identical to the previously extracted one. It holds
// per-instance state only; one Classifier serves one output stream.
type Classifier struct {
	rules     []Rule
	lastBlock string
}

// NewClassifier builds a classifier over an ordered rule list. An empty list
// falls back to the defaults.
func NewClassifier(rules []Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

// Scan extracts the error block from cleaned text, if any. It returns nil
// when no marker matches or when the block is identical to the previous
// scan's block (ongoing unchanged error).
func (c *Classifier) Scan(cleaned string, now time.Time) *ErrorEvent {
	block, rule := c.extract(cleaned)
	if block == "" {
		return nil
	}
	if block == c.lastBlock {
		return nil
	}
	c.lastBlock = block

	sum := sha256.Sum256([]byte(block))
	return &ErrorEvent{
		Rule:      rule,
		Block:     block,
		Key:       hex.EncodeToString(sum[:]),
		Timestamp: now,
	}
}

// Reset forgets the previously extracted block.
func (c *Classifier) Reset() { c.lastBlock = "" }

// extract walks the cleaned lines with a rolling context buffer. On a marker
// hit the window opens and the buffered context is prepended; the window
// closes on a blank line, a prompt line, or a rule close pattern.
func (c *Classifier) extract(cleaned string) (block, ruleName string) {
	lines := strings.Split(cleaned, "\n")

	var errorLines []string
	var buffer []string
	var active *Rule
	inError := false

	for _, line := range lines {
		buffer = append(buffer, line)
		if len(buffer) > contextLines {
			buffer = buffer[1:]
		}

		if !inError {
			if rule := c.matchRule(line); rule != nil {
				inError = true
				active = rule
				errorLines = append(errorLines, buffer...)
			}
			continue
		}

		errorLines = append(errorLines, line)
		if c.windowCloses(active, line) {
			inError = false
			active = nil
		}
	}

	kept := errorLines[:0]
	for _, line := range errorLines {
		if strings.TrimSpace(line) != "" {
			kept = append(kept, line)
		}
	}
	if len(kept) == 0 {
		return "", ""
	}
	name := ""
	if rule := c.matchAny(kept); rule != nil {
		name = rule.Name
	}
	return strings.Join(kept, "\n"), name
}

func (c *Classifier) matchRule(line string) *Rule {
	for i := range c.rules {
		if c.rules[i].Marker.MatchString(line) {
			return &c.rules[i]
		}
	}
	return nil
}

func (c *Classifier) matchAny(lines []string) *Rule {
	for _, line := range lines {
		if rule := c.matchRule(line); rule != nil {
			return rule
		}
	}
	return nil
}

func (c *Classifier) windowCloses(rule *Rule, line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	if promptLine.MatchString(line) {
		return true
	}
	if rule != nil {
		for _, closeRe := range rule.ClosePatterns {
			if closeRe.MatchString(line) {
				return true
			}
		}
	}
	return false
}
