package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port            int
	Token           string
	ConfigPath      string
	PrintToken      bool
	DBPath          string
	RulesPath       string
	SideLogDir      string
	DefaultDir      string
	PollInterval    time.Duration
	HistoryLines    int
	ScrollbackLines int
	HistorySize     int
	CommandHistory  int
	QueueSize       int
	LogLevel        string
}

func defaults() *Config {
	return &Config{
		Port:            8765,
		SideLogDir:      "/tmp",
		PollInterval:    time.Second,
		HistoryLines:    100,
		ScrollbackLines: 10000,
		HistorySize:     500,
		CommandHistory:  1000,
		QueueSize:       256,
		LogLevel:        "info",
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}
	cfg.ConfigPath = filepath.Join(homeDir, ".config", "termscope", "config")
	cfg.DBPath = filepath.Join(homeDir, ".local", "share", "termscope", "termscope.db")

	if err := cfg.loadFromFile(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	pollMS := int(cfg.PollInterval / time.Millisecond)
	flag.IntVar(&cfg.Port, "port", cfg.Port, "server port (1-65535)")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "authentication token (auto-generated if empty)")
	flag.BoolVar(&cfg.PrintToken, "print-token", false, "print token to stdout (for local debugging)")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database path")
	flag.StringVar(&cfg.RulesPath, "rules", cfg.RulesPath, "error classification rules file (YAML)")
	flag.StringVar(&cfg.SideLogDir, "side-log-dir", cfg.SideLogDir, "directory for tmux stderr side logs")
	flag.StringVar(&cfg.DefaultDir, "dir", cfg.DefaultDir, "default working directory for new sessions")
	flag.IntVar(&pollMS, "poll-ms", pollMS, "snapshot poll interval in milliseconds")
	flag.IntVar(&cfg.ScrollbackLines, "scrollback", cfg.ScrollbackLines, "PTY screen scrollback lines")
	flag.IntVar(&cfg.HistoryLines, "history-lines", cfg.HistoryLines, "tmux snapshot capture depth in lines")
	flag.IntVar(&cfg.HistorySize, "history-size", cfg.HistorySize, "retained output entries per stream")
	flag.IntVar(&cfg.CommandHistory, "command-history", cfg.CommandHistory, "retained input commands per session")
	flag.IntVar(&cfg.QueueSize, "queue-size", cfg.QueueSize, "event queue capacity per subscriber")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.Parse()

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d: must be between 1 and 65535", cfg.Port)
	}
	if pollMS <= 0 {
		return nil, fmt.Errorf("invalid poll interval %dms: must be positive", pollMS)
	}
	cfg.PollInterval = time.Duration(pollMS) * time.Millisecond

	if cfg.Token == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate token: %w", err)
		}
		cfg.Token = token
		if err := cfg.saveToFile(); err != nil {
			return nil, fmt.Errorf("failed to save config file: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) loadFromFile() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		return err
	}
	lines := strings.Split(string(data), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		switch key {
		case "Token":
			c.Token = value
		case "Port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid Port value %q: %w", value, err)
			}
			c.Port = port
		case "DBPath":
			c.DBPath = value
		case "RulesPath":
			c.RulesPath = value
		case "SideLogDir":
			c.SideLogDir = value
		case "DefaultDir":
			c.DefaultDir = value
		case "PollIntervalMS":
			ms, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid PollIntervalMS value %q: %w", value, err)
			}
			c.PollInterval = time.Duration(ms) * time.Millisecond
		case "ScrollbackLines":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid ScrollbackLines value %q: %w", value, err)
			}
			c.ScrollbackLines = n
		case "HistoryLines":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid HistoryLines value %q: %w", value, err)
			}
			c.HistoryLines = n
		case "HistorySize":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid HistorySize value %q: %w", value, err)
			}
			c.HistorySize = n
		case "CommandHistory":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid CommandHistory value %q: %w", value, err)
			}
			c.CommandHistory = n
		case "QueueSize":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("invalid QueueSize value %q: %w", value, err)
			}
			c.QueueSize = n
		case "LogLevel":
			c.LogLevel = value
		}
	}
	return nil
}

// saveToFile writes every key loadFromFile understands, so rewriting the
// file to persist a generated token does not drop user settings.
func (c *Config) saveToFile() error {
	dir := filepath.Dir(c.ConfigPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Port=%d\n", c.Port)
	fmt.Fprintf(&b, "Token=%s\n", c.Token)
	fmt.Fprintf(&b, "DBPath=%s\n", c.DBPath)
	if c.RulesPath != "" {
		fmt.Fprintf(&b, "RulesPath=%s\n", c.RulesPath)
	}
	fmt.Fprintf(&b, "SideLogDir=%s\n", c.SideLogDir)
	if c.DefaultDir != "" {
		fmt.Fprintf(&b, "DefaultDir=%s\n", c.DefaultDir)
	}
	fmt.Fprintf(&b, "PollIntervalMS=%d\n", int(c.PollInterval/time.Millisecond))
	fmt.Fprintf(&b, "ScrollbackLines=%d\n", c.ScrollbackLines)
	fmt.Fprintf(&b, "HistoryLines=%d\n", c.HistoryLines)
	fmt.Fprintf(&b, "HistorySize=%d\n", c.HistorySize)
	fmt.Fprintf(&b, "CommandHistory=%d\n", c.CommandHistory)
	fmt.Fprintf(&b, "QueueSize=%d\n", c.QueueSize)
	fmt.Fprintf(&b, "LogLevel=%s\n", c.LogLevel)
	return os.WriteFile(c.ConfigPath, []byte(b.String()), 0600)
}

func generateToken() (string, error) {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
