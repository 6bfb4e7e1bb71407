package enclave

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Record is the on-disk state of one running enclave. The supervisor
// PID lets the CLI tell live records from leftovers of a crashed
// supervisor.
type Record struct {
	Description
	SupervisorPID int `json:"supervisor_pid"`
}

// StateFile persists one JSON record per running enclave in a
// directory shared by all supervisor processes.
type StateFile struct {
	dir string
}

// NewStateFile creates the state directory if needed.
func NewStateFile(dir string) (*StateFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &StateFile{dir: dir}, nil
}

func (s *StateFile) path(enclaveID string) string {
	return filepath.Join(s.dir, enclaveID+".json")
}

// Save writes the record atomically so concurrent readers never see a
// partial file.
func (s *StateFile) Save(desc *Description, supervisorPID int) error {
	rec := Record{Description: *desc, SupervisorPID: supervisorPID}
	data, err := json.MarshalIndent(&rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+desc.EnclaveID+"-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close state record: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(desc.EnclaveID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish state record: %w", err)
	}
	return nil
}

// Load reads the record for one enclave.
func (s *StateFile) Load(enclaveID string) (*Record, error) {
	data, err := os.ReadFile(s.path(enclaveID))
	if err != nil {
		return nil, fmt.Errorf("read state record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse state record %s: %w", enclaveID, err)
	}
	return &rec, nil
}

// List returns all records, sorted by enclave identifier. Unreadable
// files are skipped rather than failing the whole listing.
func (s *StateFile) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		rec, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].EnclaveID < records[j].EnclaveID
	})
	return records, nil
}

// Clear removes the record for one enclave. A missing record is not an
// error.
func (s *StateFile) Clear(enclaveID string) error {
	if err := os.Remove(s.path(enclaveID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state record: %w", err)
	}
	return nil
}
