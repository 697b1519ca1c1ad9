package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFileParsesValues(t *testing.T) {
	cfg := defaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config")

	content := "Port=9999\nToken=test-token\nDefaultDir=/tmp/work\nDBPath=/tmp/custom/termscope.db\nPollIntervalMS=250\nScrollbackLines=5000\nHistoryLines=200\nHistorySize=50\nCommandHistory=25\nQueueSize=64\n"
	if err := os.WriteFile(cfg.ConfigPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	if err := cfg.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}

	if cfg.Port != 9999 {
		t.Fatalf("Port = %d, want 9999", cfg.Port)
	}
	if cfg.Token != "test-token" {
		t.Fatalf("Token = %q", cfg.Token)
	}
	if cfg.DBPath != "/tmp/custom/termscope.db" {
		t.Fatalf("DBPath = %q", cfg.DBPath)
	}
	if cfg.DefaultDir != "/tmp/work" {
		t.Fatalf("DefaultDir = %q", cfg.DefaultDir)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("PollInterval = %v, want 250ms", cfg.PollInterval)
	}
	if cfg.ScrollbackLines != 5000 {
		t.Fatalf("ScrollbackLines = %d, want 5000", cfg.ScrollbackLines)
	}
	if cfg.HistoryLines != 200 || cfg.HistorySize != 50 || cfg.CommandHistory != 25 || cfg.QueueSize != 64 {
		t.Fatalf("capacities = %d/%d/%d/%d, want 200/50/25/64",
			cfg.HistoryLines, cfg.HistorySize, cfg.CommandHistory, cfg.QueueSize)
	}
}

func TestLoadFromFileIgnoresCommentsAndUnknownKeys(t *testing.T) {
	cfg := defaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config")

	content := "# comment\n\nMystery=42\nPort=1234\n"
	if err := os.WriteFile(cfg.ConfigPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}

	if err := cfg.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if cfg.Port != 1234 {
		t.Fatalf("Port = %d, want 1234", cfg.Port)
	}
}

func TestLoadFromFileRejectsBadPort(t *testing.T) {
	cfg := defaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config")

	if err := os.WriteFile(cfg.ConfigPath, []byte("Port=not-a-number\n"), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	if err := cfg.loadFromFile(); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestSaveToFileRoundTrips(t *testing.T) {
	cfg := defaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "nested", "config")
	cfg.Token = "abc123"
	cfg.DBPath = "/tmp/x.db"

	if err := cfg.saveToFile(); err != nil {
		t.Fatalf("saveToFile() error = %v", err)
	}

	reloaded := defaults()
	reloaded.ConfigPath = cfg.ConfigPath
	if err := reloaded.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if reloaded.Token != "abc123" || reloaded.DBPath != "/tmp/x.db" {
		t.Fatalf("round-trip mismatch: %+v", reloaded)
	}
}

func TestSaveToFilePreservesUserSettings(t *testing.T) {
	cfg := defaults()
	cfg.ConfigPath = filepath.Join(t.TempDir(), "config")
	cfg.Token = "abc123"
	cfg.RulesPath = "/etc/termscope/rules.yaml"
	cfg.SideLogDir = "/var/log/termscope"
	cfg.DefaultDir = "/srv/work"
	cfg.PollInterval = 250 * time.Millisecond
	cfg.ScrollbackLines = 5000
	cfg.HistorySize = 50
	cfg.QueueSize = 64
	cfg.LogLevel = "debug"

	if err := cfg.saveToFile(); err != nil {
		t.Fatalf("saveToFile() error = %v", err)
	}

	reloaded := defaults()
	reloaded.ConfigPath = cfg.ConfigPath
	if err := reloaded.loadFromFile(); err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if reloaded.RulesPath != cfg.RulesPath {
		t.Fatalf("RulesPath = %q, want %q", reloaded.RulesPath, cfg.RulesPath)
	}
	if reloaded.SideLogDir != cfg.SideLogDir || reloaded.DefaultDir != cfg.DefaultDir {
		t.Fatalf("dirs = %q/%q, want %q/%q", reloaded.SideLogDir, reloaded.DefaultDir, cfg.SideLogDir, cfg.DefaultDir)
	}
	if reloaded.PollInterval != cfg.PollInterval {
		t.Fatalf("PollInterval = %v, want %v", reloaded.PollInterval, cfg.PollInterval)
	}
	if reloaded.ScrollbackLines != 5000 || reloaded.HistorySize != 50 || reloaded.QueueSize != 64 {
		t.Fatalf("capacities = %d/%d/%d, want 5000/50/64",
			reloaded.ScrollbackLines, reloaded.HistorySize, reloaded.QueueSize)
	}
	if reloaded.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", reloaded.LogLevel)
	}
}

func TestGenerateTokenIsHex(t *testing.T) {
	token, err := generateToken()
	if err != nil {
		t.Fatalf("generateToken() error = %v", err)
	}
	if len(token) != 32 {
		t.Fatalf("token length = %d, want 32", len(token))
	}
	for _, r := range token {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Fatalf("token %q contains non-hex rune %q", token, r)
		}
	}
}
