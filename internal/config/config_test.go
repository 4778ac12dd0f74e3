package config

import (
	"testing"
	"time"
)

func testConfig() *Config {
	return &Config{
		HistoryWindow:       20,
		CompactionThreshold: 40,
		MaxToolCalls:        5,
		CBThreshold:         3,
		CBResetMS:           300_000,
		RetryBackoffMS:      "0,1000,3000,10000",
		TaskTimeoutMS:       300_000,
		HarnessTimeoutMS:    300_000,
		AnthropicAPIKey:     "sk-test",
		TelegramOwnerID:     "12345",
		AgentOrder:          "claude,gemini,copilot",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HistoryWindow != 20 {
		t.Fatalf("expected history window 20, got %d", cfg.HistoryWindow)
	}
	if cfg.CompactionThreshold != 40 {
		t.Fatalf("expected compaction threshold 40, got %d", cfg.CompactionThreshold)
	}
	if cfg.MaxToolCalls != 5 {
		t.Fatalf("expected max tool calls 5, got %d", cfg.MaxToolCalls)
	}
	if cfg.TaskTimeout() != 5*time.Minute {
		t.Fatalf("expected 5m task timeout, got %v", cfg.TaskTimeout())
	}
	if cfg.DedupTTL() != 30*time.Second {
		t.Fatalf("expected 30s dedup ttl, got %v", cfg.DedupTTL())
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HISTORY_WINDOW", "7")
	t.Setenv("RETRY_BACKOFF", "0,500")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HistoryWindow != 7 {
		t.Fatalf("expected history window 7, got %d", cfg.HistoryWindow)
	}
	backoff, err := cfg.RetryBackoff()
	if err != nil {
		t.Fatalf("RetryBackoff: %v", err)
	}
	if len(backoff) != 2 || backoff[1] != 500*time.Millisecond {
		t.Fatalf("unexpected backoff schedule: %v", backoff)
	}
}

func TestValidateRequiresKeyAndOwner(t *testing.T) {
	cfg := testConfig()
	cfg.AnthropicAPIKey = ""
	cfg.TelegramOwnerID = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateOK(t *testing.T) {
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsUnknownAgent(t *testing.T) {
	cfg := testConfig()
	cfg.AgentOrder = "claude,hal9000"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestRetryBackoffParsing(t *testing.T) {
	cfg := testConfig()
	backoff, err := cfg.RetryBackoff()
	if err != nil {
		t.Fatalf("RetryBackoff: %v", err)
	}
	want := []time.Duration{0, time.Second, 3 * time.Second, 10 * time.Second}
	if len(backoff) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(backoff))
	}
	for i := range want {
		if backoff[i] != want[i] {
			t.Fatalf("entry %d: expected %v, got %v", i, want[i], backoff[i])
		}
	}
}

func TestRetryBackoffRejectsGarbage(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoffMS = "0,banana"
	if _, err := cfg.RetryBackoff(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAgentList(t *testing.T) {
	cfg := testConfig()
	cfg.AgentOrder = " claude , gemini "
	agents := cfg.AgentList()
	if len(agents) != 2 || agents[0] != "claude" || agents[1] != "gemini" {
		t.Fatalf("unexpected agent list: %v", agents)
	}
}
