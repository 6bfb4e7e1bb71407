// Command enclaved is the per-enclave supervisor daemon. It is
// normally launched by enclavectl, detaches itself from the launching
// terminal, and then serves lifecycle commands over its control
// sockets until the enclave is terminated.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/docker/docker/client"

	"enclaved/internal/config"
	"enclaved/internal/enclave"
	"enclaved/internal/logging"
	"enclaved/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/enclaved/config.yaml", "path to the configuration file")
	commFd := flag.Int("comm-fd", supervisor.CommFd, "inherited descriptor of the bootstrap control channel")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "enclaved: %v\n", err)
			os.Exit(1)
		}
		cfg = config.Default()
	}

	if !supervisor.Detached() {
		if err := supervisor.Detach(*commFd); err != nil {
			fmt.Fprintf(os.Stderr, "enclaved: %v\n", err)
			os.Exit(1)
		}
		// The detached copy carries on; this process is done.
		return
	}

	supervisor.AwaitOrphan()

	logger, err := logging.New(cfg.LogFile)
	if err != nil {
		os.Exit(1)
	}
	defer logger.Close()

	state, err := enclave.NewStateFile(cfg.StateDir)
	if err != nil {
		logger.Fatalf("state directory: %v", err)
	}

	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Fatalf("docker client: %v", err)
	}
	defer docker.Close()

	manager := enclave.NewManager(docker, cfg.Enclave, cfg.SocketDir, state, logger)
	logger.Printf("supervisor started, pid %d", os.Getpid())

	if err := supervisor.New(cfg.SocketDir, manager, logger).Run(context.Background(), *commFd); err != nil {
		logger.Fatalf("supervisor: %v", err)
	}
	logger.Printf("supervisor exiting")
}
