package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != InfoLevel {
		t.Errorf("expected Level to be InfoLevel, got %v", cfg.Level)
	}
	if cfg.Output != os.Stderr {
		t.Errorf("expected Output to be os.Stderr")
	}
	if cfg.TimeFormat != time.RFC3339 {
		t.Errorf("expected TimeFormat to be RFC3339, got %s", cfg.TimeFormat)
	}
	if cfg.LogToFile {
		t.Errorf("expected LogToFile to be false")
	}
	if cfg.LogDir != "/tmp" {
		t.Errorf("expected LogDir to be /tmp, got %s", cfg.LogDir)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"DEBUG":     DebugLevel,
		"  debug  ": DebugLevel,
		"info":      InfoLevel,
		"WARN":      WarnLevel,
		"warning":   WarnLevel,
		"error":     ErrorLevel,
		"FATAL":     FatalLevel,
		"verbose":   InfoLevel,
		"":          InfoLevel,
	}

	for input, expected := range tests {
		if got := ParseLevel(input); got != expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", input, got, expected)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, Output: &buf})

	Debug().Msg("turn debug")
	Info().Msg("turn info")
	Warn().Msg("turn warn")
	Error().Err(os.ErrNotExist).Msg("turn error")

	output := buf.String()
	for _, hidden := range []string{"turn debug", "turn info"} {
		if strings.Contains(output, hidden) {
			t.Errorf("%q should be filtered at warn level", hidden)
		}
	}
	for _, shown := range []string{"turn warn", "turn error", "file does not exist"} {
		if !strings.Contains(output, shown) {
			t.Errorf("expected %q in output, got %s", shown, output)
		}
	}
}

func TestPrettyOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf, Pretty: true})

	Info().Str("thread", "t1").Msg("pretty test")

	if !strings.Contains(buf.String(), "pretty test") {
		t.Errorf("expected pretty output, got %s", buf.String())
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &buf})

	log := Component("fragment")
	log.Info().Str("thread", "t1").Msg("emitted")

	output := buf.String()
	if !strings.Contains(output, `"component":"fragment"`) {
		t.Errorf("expected component field, got %s", output)
	}
	if !strings.Contains(output, `"thread":"t1"`) {
		t.Errorf("expected thread field, got %s", output)
	}
}

func TestLogToFile(t *testing.T) {
	dir := t.TempDir()

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: dir})
	defer Close()

	Info().Msg("file log test")

	logPath := GetLogFilePath()
	if logPath == "" {
		t.Fatal("expected log file path to be set")
	}
	if !strings.HasPrefix(logPath, dir) {
		t.Errorf("log file path %s should be in %s", logPath, dir)
	}

	name := filepath.Base(logPath)
	if !strings.HasPrefix(name, "chatbridge-") || !strings.HasSuffix(name, ".log") {
		t.Errorf("unexpected log file name: %s", name)
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "file log test") {
		t.Errorf("log file should contain message, got: %s", content)
	}
}

func TestCloseClearsPath(t *testing.T) {
	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}, LogToFile: true, LogDir: t.TempDir()})
	if GetLogFilePath() == "" {
		t.Fatal("expected log file path before close")
	}

	Close()

	if GetLogFilePath() != "" {
		t.Error("expected empty log file path after close")
	}

	Init(Config{Level: InfoLevel, Output: &bytes.Buffer{}})
	if GetLogFilePath() != "" {
		t.Error("expected empty log file path when not logging to file")
	}
}

func TestInitWithNilOutput(t *testing.T) {
	Init(Config{Level: InfoLevel})
	Init(DefaultConfig())
}
