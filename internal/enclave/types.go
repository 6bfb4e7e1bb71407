// Package enclave manages the lifecycle of the single enclave owned by
// one supervisor process, backed by a container runtime, and records
// its state on disk for discovery by later CLI invocations.
package enclave

import (
	"path/filepath"
	"time"
)

// SocketPath returns the rendezvous socket path for an enclave.
func SocketPath(socketDir, enclaveID string) string {
	return filepath.Join(socketDir, enclaveID+".sock")
}

// RunArgs are the launch parameters carried by a Run command. Zero
// values mean "use the configured default".
type RunArgs struct {
	ImagePath  string `cbor:"image_path" json:"image_path"`
	CPUCount   int    `cbor:"cpu_count" json:"cpu_count"`
	MemoryMiB  int64  `cbor:"memory_mib" json:"memory_mib"`
	EnclaveCID uint64 `cbor:"enclave_cid" json:"enclave_cid"`
	DebugMode  bool   `cbor:"debug_mode" json:"debug_mode"`
}

// Description is what Describe prints for a running enclave.
type Description struct {
	EnclaveID   string    `json:"enclave_id"`
	ContainerID string    `json:"container_id"`
	ImagePath   string    `json:"image_path"`
	CPUCount    int       `json:"cpu_count"`
	MemoryMiB   int64     `json:"memory_mib"`
	EnclaveCID  uint64    `json:"enclave_cid"`
	DebugMode   bool      `json:"debug_mode"`
	SocketPath  string    `json:"socket_path"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
}
