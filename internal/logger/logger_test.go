package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	log, err := New("info", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log file to contain output")
	}
}

func TestParseLevelFallsBackToDebug(t *testing.T) {
	if parseLevel("bogus") != slog.LevelDebug {
		t.Fatal("expected unrecognized level to fall back to debug")
	}
	if parseLevel("warn") != slog.LevelWarn {
		t.Fatal("expected warn to map to slog.LevelWarn")
	}
}
