// Package logging provides the supervisor's log sink: an append-only
// file (the detached process has no terminal) with a bracketed enclave
// identifier prefix that is updated once an enclave is running.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// PlaceholderID is the logger identifier used before an enclave exists.
const PlaceholderID = "enc-xxxxxxxxxxxx"

// Logger wraps a standard logger whose prefix carries the enclave
// identifier.
type Logger struct {
	*log.Logger
	file *os.File
}

// New opens an append-only log file at path. An empty path logs to
// stderr, which is what tests and foreground runs want.
func New(path string) (*Logger, error) {
	sink := os.Stderr
	var file *os.File

	if path != "" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink, file = f, f
	}

	return &Logger{
		Logger: log.New(sink, "["+PlaceholderID+"] ", log.LstdFlags|log.Lmsgprefix),
		file:   file,
	}, nil
}

// SetEnclaveID switches the logger prefix to the given identifier,
// normally the one derived by DeriveID.
func (l *Logger) SetEnclaveID(id string) {
	l.SetPrefix("[" + id + "] ")
}

// Close closes the underlying log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// DeriveID extracts the logger identifier from a full enclave ID. The
// full ID is "i-(...)-enc<id>" and the logger identifier is
// "enc-<id>".
func DeriveID(enclaveID string) string {
	if i := strings.LastIndex(enclaveID, "-enc"); i >= 0 {
		return "enc-" + enclaveID[i+len("-enc"):]
	}
	return "enc-" + enclaveID
}
