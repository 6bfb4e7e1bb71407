// Command enclavectl is the operator CLI. Each invocation talks to a
// supervisor: "run" spawns a fresh enclaved and hands it the run
// request over an inherited socket pair; the other subcommands attach
// to the rendezvous socket of an already-running enclave.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"text/tabwriter"
	"time"

	"golang.org/x/sys/unix"

	"enclaved/internal/config"
	"enclaved/internal/enclave"
	"enclaved/pkg/protocol"
)

const idleTimeout = 500 * time.Millisecond

func usage() {
	fmt.Fprintf(os.Stderr, `usage: enclavectl <command> [flags]

commands:
  run         launch a new enclave
  describe    print the description of a running enclave
  console     print the console CID of a running enclave
  terminate   stop a running enclave
  list        list running enclaves
`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(os.Args[2:])
	case "describe":
		err = describeCmd(os.Args[2:])
	case "console":
		err = consoleCmd(os.Args[2:])
	case "terminate":
		err = terminateCmd(os.Args[2:])
	case "list":
		err = listCmd(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclavectl: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func runCmd(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "/etc/enclaved/config.yaml", "path to the configuration file")
	daemon := fs.String("daemon", "enclaved", "path to the supervisor binary")
	image := fs.String("image", "", "enclave image to launch")
	cpus := fs.Int("cpus", 0, "vCPU count (0 uses the configured default)")
	memory := fs.Int64("memory", 0, "memory in MiB (0 uses the configured default)")
	cid := fs.Uint64("cid", 0, "enclave CID (0 uses the configured default)")
	debug := fs.Bool("debug", false, "launch in debug mode")
	fs.Parse(args)

	if *image == "" {
		return fmt.Errorf("run requires --image")
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create control channel: %w", err)
	}
	remoteFile := os.NewFile(uintptr(fds[1]), "comm")
	conn := os.NewFile(uintptr(fds[0]), "control")
	defer conn.Close()

	cmd := exec.Command(*daemon, "--config", *configPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{remoteFile}

	if err := cmd.Start(); err != nil {
		remoteFile.Close()
		return fmt.Errorf("start supervisor: %w", err)
	}
	remoteFile.Close()

	// The launcher exits once the daemonized copy is on its own.
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("supervisor failed to detach: %w", err)
	}

	req := enclave.RunArgs{
		ImagePath:  *image,
		CPUCount:   *cpus,
		MemoryMiB:  *memory,
		EnclaveCID: *cid,
		DebugMode:  *debug,
	}
	if err := protocol.SendCommand(conn, protocol.Run, &req); err != nil {
		return fmt.Errorf("send run request: %w", err)
	}

	// The supervisor streams the launch output back and closes the
	// channel once the enclave is up.
	if _, err := io.Copy(os.Stdout, conn); err != nil {
		return fmt.Errorf("read launch output: %w", err)
	}
	return nil
}

// resolveEnclaveID picks the target enclave: an explicit identifier
// wins, otherwise a single running enclave is used implicitly.
func resolveEnclaveID(cfg *config.Config, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}

	state, err := enclave.NewStateFile(cfg.StateDir)
	if err != nil {
		return "", err
	}
	records, err := state.List()
	if err != nil {
		return "", err
	}
	switch len(records) {
	case 0:
		return "", fmt.Errorf("no enclave is running")
	case 1:
		return records[0].EnclaveID, nil
	default:
		return "", fmt.Errorf("%d enclaves are running, pick one with --enclave-id", len(records))
	}
}

func attach(cfg *config.Config, enclaveID string) (net.Conn, error) {
	path := enclave.SocketPath(cfg.SocketDir, enclaveID)
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("attach to enclave %s: %w", enclaveID, err)
	}
	return conn, nil
}

// streamOutput copies routed supervisor output to stdout until the
// connection goes quiet or closes. The supervisor leaves attach
// connections open, so quiescence is the end-of-output signal.
func streamOutput(conn net.Conn) error {
	buf := make([]byte, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func describeCmd(args []string) error {
	fs := flag.NewFlagSet("describe", flag.ExitOnError)
	configPath := fs.String("config", "/etc/enclaved/config.yaml", "path to the configuration file")
	enclaveID := fs.String("enclave-id", "", "target enclave")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	id, err := resolveEnclaveID(cfg, *enclaveID)
	if err != nil {
		return err
	}

	conn, err := attach(cfg, id)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteCommand(conn, protocol.Describe); err != nil {
		return fmt.Errorf("send describe: %w", err)
	}

	confirm, err := protocol.ReadUint64(conn)
	if err != nil {
		return fmt.Errorf("read confirmation: %w", err)
	}
	if confirm != protocol.ConfirmEnclave {
		return fmt.Errorf("unexpected confirmation value %#x", confirm)
	}

	return streamOutput(conn)
}

func consoleCmd(args []string) error {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	configPath := fs.String("config", "/etc/enclaved/config.yaml", "path to the configuration file")
	enclaveID := fs.String("enclave-id", "", "target enclave")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	id, err := resolveEnclaveID(cfg, *enclaveID)
	if err != nil {
		return err
	}

	conn, err := attach(cfg, id)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteCommand(conn, protocol.GetEnclaveCID); err != nil {
		return fmt.Errorf("send console request: %w", err)
	}
	cid, err := protocol.ReadUint64(conn)
	if err != nil {
		return fmt.Errorf("read console CID: %w", err)
	}

	fmt.Printf("enclave %s console CID: %d\n", id, cid)
	return nil
}

func terminateCmd(args []string) error {
	fs := flag.NewFlagSet("terminate", flag.ExitOnError)
	configPath := fs.String("config", "/etc/enclaved/config.yaml", "path to the configuration file")
	enclaveID := fs.String("enclave-id", "", "target enclave")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	id, err := resolveEnclaveID(cfg, *enclaveID)
	if err != nil {
		return err
	}

	conn, err := attach(cfg, id)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteCommand(conn, protocol.Terminate); err != nil {
		return fmt.Errorf("send terminate: %w", err)
	}

	// The supervisor shuts the whole connection set down when the
	// teardown finishes, so read until EOF.
	if _, err := io.Copy(os.Stdout, conn); err != nil {
		return fmt.Errorf("read terminate output: %w", err)
	}
	return nil
}

func listCmd(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "/etc/enclaved/config.yaml", "path to the configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	state, err := enclave.NewStateFile(cfg.StateDir)
	if err != nil {
		return err
	}
	records, err := state.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENCLAVE ID\tCID\tCPUS\tMEMORY\tSTATE\tPID")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d MiB\t%s\t%d\n",
			rec.EnclaveID, rec.EnclaveCID, rec.CPUCount, rec.MemoryMiB, rec.State, rec.SupervisorPID)
	}
	return w.Flush()
}
