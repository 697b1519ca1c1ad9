package classify

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule opens an error window when its marker matches a cleaned line. The
// window closes on the first blank line, on a prompt-looking line, or on a
// line matching one of the rule's close patterns.
type Rule struct {
	Name          string
	Marker        *regexp.Regexp
	ClosePatterns []*regexp.Regexp
}

// ruleSpec is the on-disk YAML form of a Rule.
type ruleSpec struct {
	Name  string   `yaml:"name"`
	Match string   `yaml:"match"`
	Close []string `yaml:"close,omitempty"`
}

type rulesFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

// promptLine matches a shell prompt at the start of a line, which always
// terminates an open error window.
var promptLine = regexp.MustCompile(`^(\$\s|>\s|%\s|#\s|zap>)`)

// DefaultRules returns the built-in signature table: a traceback header
// plus the common interpreter/runtime error keywords.
func DefaultRules() []Rule {
	mk := func(name, pattern string) Rule {
		return Rule{Name: name, Marker: regexp.MustCompile(pattern)}
	}
	return []Rule{
		mk("python-traceback", `Traceback`),
		mk("python-exception", `(SyntaxError|NameError|TypeError|ValueError|ImportError|AttributeError|RuntimeError|IndentationError|TabError):`),
		mk("generic-error", `(?i)^\s*(error|fatal|panic):`),
		mk("go-panic", `^panic: `),
		mk("node-error", `^\s*(TypeError|ReferenceError|SyntaxError|RangeError)\b`),
	}
}

// LoadRules reads an ordered rule list from a YAML file. A missing path
// returns the defaults; a malformed file is an error.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRules(), nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules compiles an ordered rule list from YAML bytes.
func ParseRules(data []byte) ([]Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	if len(file.Rules) == 0 {
		return nil, fmt.Errorf("rules file defines no rules")
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, spec := range file.Rules {
		if spec.Match == "" {
			return nil, fmt.Errorf("rule %d (%q): match pattern is required", i, spec.Name)
		}
		marker, err := regexp.Compile(spec.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%q): %w", i, spec.Name, err)
		}
		rule := Rule{Name: spec.Name, Marker: marker}
		for _, c := range spec.Close {
			closeRe, err := regexp.Compile(c)
			if err != nil {
				return nil, fmt.Errorf("rule %d (%q) close pattern: %w", i, spec.Name, err)
			}
			rule.ClosePatterns = append(rule.ClosePatterns, closeRe)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
