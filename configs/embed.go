package configs

import _ "embed"

// DefaultRules is the shipped error-signature rule file.
//
//go:embed rules.yaml
var DefaultRules []byte
