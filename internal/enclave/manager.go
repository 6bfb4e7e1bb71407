package enclave

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"enclaved/internal/config"
	"enclaved/internal/logging"
)

// ContainerAPI is the slice of the Docker client the manager needs.
type ContainerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

const stopTimeoutSeconds = 10

// Manager drives the one enclave a supervisor process owns.
type Manager struct {
	api       ContainerAPI
	defaults  config.EnclaveDefaults
	socketDir string
	state     *StateFile
	logger    *logging.Logger

	mu   sync.Mutex
	desc *Description
}

// NewManager creates a manager with no enclave running yet.
func NewManager(api ContainerAPI, defaults config.EnclaveDefaults, socketDir string, state *StateFile, logger *logging.Logger) *Manager {
	return &Manager{
		api:       api,
		defaults:  defaults,
		socketDir: socketDir,
		state:     state,
		logger:    logger,
	}
}

// newEnclaveID builds an identifier of the form
// "i-<host>-enc<12 hex digits>".
func newEnclaveID() (string, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "local"
	}
	host = strings.ToLower(strings.Split(host, ".")[0])

	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate enclave id: %w", err)
	}
	return fmt.Sprintf("i-%s-enc%s", host, hex.EncodeToString(suffix)), nil
}

// Run launches the enclave container. Output is written to the plain
// standard streams, which the supervisor routes to the requester.
func (m *Manager) Run(ctx context.Context, args *RunArgs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.desc != nil {
		return fmt.Errorf("enclave %s is already running", m.desc.EnclaveID)
	}
	if args.ImagePath == "" {
		return fmt.Errorf("run request carries no image")
	}

	cpuCount := args.CPUCount
	if cpuCount == 0 {
		cpuCount = m.defaults.CPUCount
	}
	memoryMiB := args.MemoryMiB
	if memoryMiB == 0 {
		memoryMiB = m.defaults.MemoryMiB
	}
	cid := args.EnclaveCID
	if cid == 0 {
		cid = m.defaults.CIDBase
	}

	enclaveID, err := newEnclaveID()
	if err != nil {
		return err
	}

	created, err := m.api.ContainerCreate(ctx,
		&container.Config{
			Image: args.ImagePath,
			Env: []string{
				fmt.Sprintf("ENCLAVE_CID=%d", cid),
				fmt.Sprintf("ENCLAVE_DEBUG=%t", args.DebugMode),
			},
			Labels: map[string]string{
				"enclaved.enclave-id": enclaveID,
			},
		},
		&container.HostConfig{
			Resources: container.Resources{
				Memory:   memoryMiB * 1024 * 1024,
				NanoCPUs: int64(cpuCount) * 1e9,
			},
		},
		nil, nil, enclaveID)
	if err != nil {
		return fmt.Errorf("create enclave container: %w", err)
	}

	if err := m.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		m.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("start enclave container: %w", err)
	}

	desc := &Description{
		EnclaveID:   enclaveID,
		ContainerID: created.ID,
		ImagePath:   args.ImagePath,
		CPUCount:    cpuCount,
		MemoryMiB:   memoryMiB,
		EnclaveCID:  cid,
		DebugMode:   args.DebugMode,
		SocketPath:  SocketPath(m.socketDir, enclaveID),
		State:       "running",
		StartedAt:   time.Now().UTC(),
	}
	m.desc = desc

	if m.state != nil {
		if err := m.state.Save(desc, os.Getpid()); err != nil {
			m.logger.Printf("warning: could not persist enclave state: %v", err)
		}
	}

	fmt.Printf("Started enclave %s (CID %d, %d vCPUs, %d MiB)\n",
		desc.EnclaveID, desc.EnclaveCID, desc.CPUCount, desc.MemoryMiB)
	return nil
}

// Describe refreshes the container state and prints the enclave
// description as JSON to the routed standard output.
func (m *Manager) Describe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.desc == nil {
		return fmt.Errorf("no enclave is running")
	}

	inspected, err := m.api.ContainerInspect(ctx, m.desc.ContainerID)
	if err == nil && inspected.State != nil {
		m.desc.State = inspected.State.Status
	}

	out, err := json.MarshalIndent(m.desc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode description: %w", err)
	}
	fmt.Printf("%s\n", out)
	return nil
}

// Terminate stops and removes the enclave container and clears the
// on-disk record. The identifier stays resolvable afterwards so the
// completion path can still name the enclave.
func (m *Manager) Terminate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.desc == nil {
		return fmt.Errorf("no enclave is running")
	}

	timeout := stopTimeoutSeconds
	if err := m.api.ContainerStop(ctx, m.desc.ContainerID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop enclave container: %w", err)
	}
	if err := m.api.ContainerRemove(ctx, m.desc.ContainerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove enclave container: %w", err)
	}

	if m.state != nil {
		if err := m.state.Clear(m.desc.EnclaveID); err != nil {
			m.logger.Printf("warning: could not clear enclave state: %v", err)
		}
	}
	m.desc.State = "terminated"

	fmt.Printf("Terminated enclave %s\n", m.desc.EnclaveID)
	return nil
}

// ConsoleResources returns the context identifier a console client
// needs to attach to the enclave.
func (m *Manager) ConsoleResources() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.desc == nil {
		return 0, fmt.Errorf("no enclave is running")
	}
	return m.desc.EnclaveCID, nil
}

// EnclaveID returns the identifier of the running enclave, or "" if
// none is running.
func (m *Manager) EnclaveID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.desc == nil {
		return ""
	}
	return m.desc.EnclaveID
}
