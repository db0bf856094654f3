package logutil

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedactKey(t *testing.T) {
	tests := map[string]string{
		"":                 "********",
		"short":            "********",
		"rp_1234567890abcd": "rp_1...abcd",
	}
	for in, want := range tests {
		if got := RedactKey(in); got != want {
			t.Errorf("RedactKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetupWritesFile(t *testing.T) {
	dir := t.TempDir()
	logger := Setup(Options{FileLogging: true, Level: "debug", Dir: dir})
	logger.Debug().Str("handle", "job-1").Msg("hello")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"handle":"job-1"`) {
		t.Errorf("log = %s", data)
	}
}

func TestSetupDiscardsByDefault(t *testing.T) {
	dir := t.TempDir()
	logger := Setup(Options{Dir: dir})
	logger.Info().Msg("nowhere")
	if _, err := os.Stat(filepath.Join(dir, LogFileName)); !os.IsNotExist(err) {
		t.Error("log file created without file logging")
	}
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), LogFileName)
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), maxSizeBytes), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := openRotating(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("next line\n")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(archiveName(path, 1)); err != nil {
		t.Errorf("archive missing: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "next line\n" {
		t.Errorf("current log = %q", data)
	}
}
