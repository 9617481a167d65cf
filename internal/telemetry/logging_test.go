package telemetry_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/warden/internal/telemetry"
)

func TestNewLogger_WritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	logger.Info("task dispatched", "task_id", "t-1", "group", "platform")
	logger.Debug("fine detail")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("line not json: %q", scanner.Text())
		}
		if _, ok := entry["timestamp"]; !ok {
			t.Fatalf("no timestamp key: %v", entry)
		}
		if entry["component"] != "warden" {
			t.Fatalf("component = %v", entry["component"])
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}

func TestNewLogger_LevelFiltering(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Fatal("info line survived warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Fatal("warn line missing")
	}
}

func TestNewLogger_RedactsSecrets(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("grant stored", "signing_secret", "hunter2", "note", "api_key=sk_live_abcdefghijklmnop")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "hunter2") || strings.Contains(text, "sk_live_") {
		t.Fatalf("secret in log: %s", text)
	}
	if !strings.Contains(text, "[REDACTED]") {
		t.Fatal("no redaction marker")
	}
}
