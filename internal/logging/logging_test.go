package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDeriveID(t *testing.T) {
	tests := []struct {
		enclaveID string
		want      string
	}{
		{"i-abc-enc777", "enc-777"},
		{"i-0f3c9a12d4b5-enc1234", "enc-1234"},
		{"i-abc-enc1-enc2", "enc-2"},
		{"no-marker", "enc-no-marker"},
	}

	for _, tt := range tests {
		if got := DeriveID(tt.enclaveID); got != tt.want {
			t.Errorf("DeriveID(%q) = %q, want %q", tt.enclaveID, got, tt.want)
		}
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "enclaved.log")

	logger, err := New(path)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Printf("supervisor starting")
	logger.SetEnclaveID("enc-777")
	logger.Printf("enclave running")

	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "["+PlaceholderID+"] ") {
		t.Errorf("missing placeholder prefix in %q", content)
	}
	if !strings.Contains(content, "[enc-777] enclave running") {
		t.Errorf("missing updated prefix in %q", content)
	}
}

func TestLoggerEmptyPath(t *testing.T) {
	logger, err := New("")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer logger.Close()

	if got := logger.Prefix(); got != "["+PlaceholderID+"] " {
		t.Errorf("prefix: got %q", got)
	}
}
