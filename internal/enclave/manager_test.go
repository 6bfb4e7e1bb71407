package enclave

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"enclaved/internal/config"
	"enclaved/internal/logging"
)

type fakeContainerAPI struct {
	createdConfig *container.Config
	createdHost   *container.HostConfig
	createdName   string

	started string
	stopped string
	removed string

	startErr   error
	inspectErr error
	status     string
}

func (f *fakeContainerAPI) ContainerCreate(ctx context.Context, cfg *container.Config, host *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.createdConfig = cfg
	f.createdHost = host
	f.createdName = name
	return container.CreateResponse{ID: "c-" + name}, nil
}

func (f *fakeContainerAPI) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.started = id
	return nil
}

func (f *fakeContainerAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	if f.inspectErr != nil {
		return container.InspectResponse{}, f.inspectErr
	}
	resp := container.InspectResponse{}
	resp.ContainerJSONBase = &container.ContainerJSONBase{
		State: &container.State{Status: f.status},
	}
	return resp, nil
}

func (f *fakeContainerAPI) ContainerStop(ctx context.Context, id string, opts container.StopOptions) error {
	f.stopped = id
	return nil
}

func (f *fakeContainerAPI) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	f.removed = id
	return nil
}

func testManager(t *testing.T, api *fakeContainerAPI) *Manager {
	t.Helper()
	logger, err := logging.New("")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	state, err := NewStateFile(t.TempDir())
	if err != nil {
		t.Fatalf("state file: %v", err)
	}

	defaults := config.EnclaveDefaults{CPUCount: 2, MemoryMiB: 512, CIDBase: 16}
	return NewManager(api, defaults, t.TempDir(), state, logger)
}

func TestManagerRunAppliesDefaults(t *testing.T) {
	api := &fakeContainerAPI{status: "running"}
	m := testManager(t, api)

	err := m.Run(context.Background(), &RunArgs{ImagePath: "enclave-app:latest"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if api.createdHost.Resources.Memory != 512*1024*1024 {
		t.Errorf("Memory: got %d", api.createdHost.Resources.Memory)
	}
	if api.createdHost.Resources.NanoCPUs != 2e9 {
		t.Errorf("NanoCPUs: got %d", api.createdHost.Resources.NanoCPUs)
	}
	if api.started == "" {
		t.Error("container was never started")
	}

	id := m.EnclaveID()
	if !strings.HasPrefix(id, "i-") || !strings.Contains(id, "-enc") {
		t.Errorf("enclave id %q has unexpected shape", id)
	}
	if api.createdName != id {
		t.Errorf("container name %q does not match enclave id %q", api.createdName, id)
	}

	cid, err := m.ConsoleResources()
	if err != nil {
		t.Fatalf("ConsoleResources failed: %v", err)
	}
	if cid != 16 {
		t.Errorf("CID: got %d, want default 16", cid)
	}
}

func TestManagerRunRejectsSecond(t *testing.T) {
	api := &fakeContainerAPI{status: "running"}
	m := testManager(t, api)

	args := &RunArgs{ImagePath: "enclave-app:latest"}
	if err := m.Run(context.Background(), args); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	if err := m.Run(context.Background(), args); err == nil {
		t.Fatal("second Run succeeded, want error")
	}
}

func TestManagerRunRequiresImage(t *testing.T) {
	m := testManager(t, &fakeContainerAPI{})
	if err := m.Run(context.Background(), &RunArgs{}); err == nil {
		t.Fatal("Run without image succeeded, want error")
	}
}

func TestManagerRunStartFailureCleansUp(t *testing.T) {
	api := &fakeContainerAPI{startErr: errors.New("boom")}
	m := testManager(t, api)

	if err := m.Run(context.Background(), &RunArgs{ImagePath: "enclave-app:latest"}); err == nil {
		t.Fatal("Run succeeded despite start failure")
	}
	if api.removed == "" {
		t.Error("failed container was not removed")
	}
	if m.EnclaveID() != "" {
		t.Error("manager kept an enclave id after failed Run")
	}
}

func TestManagerTerminate(t *testing.T) {
	api := &fakeContainerAPI{status: "running"}
	m := testManager(t, api)

	if err := m.Run(context.Background(), &RunArgs{ImagePath: "enclave-app:latest"}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	id := m.EnclaveID()

	if err := m.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if api.stopped == "" || api.removed == "" {
		t.Errorf("container not torn down: stopped=%q removed=%q", api.stopped, api.removed)
	}
	// The identifier stays resolvable for the completion path.
	if m.EnclaveID() != id {
		t.Errorf("EnclaveID after Terminate: got %q, want %q", m.EnclaveID(), id)
	}
	if _, err := m.state.Load(id); err == nil {
		t.Error("state record still present after Terminate")
	}
}

func TestManagerOpsWithoutEnclave(t *testing.T) {
	m := testManager(t, &fakeContainerAPI{})

	if err := m.Describe(context.Background()); err == nil {
		t.Error("Describe without enclave succeeded")
	}
	if err := m.Terminate(context.Background()); err == nil {
		t.Error("Terminate without enclave succeeded")
	}
	if _, err := m.ConsoleResources(); err == nil {
		t.Error("ConsoleResources without enclave succeeded")
	}
}
